package network

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/berdcoin/tapcoin/internal/auth"
	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/infra/storage"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
	"github.com/berdcoin/tapcoin/internal/session"
)

// DefaultHistoryLimit caps /api/history when no limit is given.
const DefaultHistoryLimit = 50

// API serves the player-facing HTTP and WebSocket endpoints.
type API struct {
	ctx      context.Context
	game     Game
	auth     *auth.Auth
	recon    *storage.Reconstructor
	hub      *Hub
	upgrader websocket.Upgrader
	client   ClientOptions
	logger   *logger.Logger
	metrics  *metrics.Collector
}

// APIOptions configures an API.
type APIOptions struct {
	// Ctx bounds WebSocket sessions; it should be the server's lifetime.
	Ctx            context.Context
	Client         ClientOptions
	AllowedOrigins []string // empty allows any origin
	Logger         *logger.Logger
	Metrics        *metrics.Collector
}

// NewAPI creates the API handlers.
func NewAPI(game Game, a *auth.Auth, recon *storage.Reconstructor, hub *Hub, opts APIOptions) *API {
	if opts.Ctx == nil {
		opts.Ctx = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	return &API{
		ctx:   opts.Ctx,
		game:  game,
		auth:  a,
		recon: recon,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
		client:  opts.Client,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/register", a.auth.HandleRegister)
	mux.HandleFunc("/api/login", a.auth.HandleLogin)

	mux.Handle("/api/state", a.auth.RequireAuth(http.HandlerFunc(a.HandleState)))
	mux.Handle("/api/tap", a.auth.RequireAuth(http.HandlerFunc(a.HandleTap)))
	mux.Handle("/api/buy", a.auth.RequireAuth(http.HandlerFunc(a.HandleBuy)))
	mux.Handle("/api/shop", a.auth.RequireAuth(http.HandlerFunc(a.HandleShop)))
	mux.Handle("/api/history", a.auth.RequireAuth(http.HandlerFunc(a.HandleHistory)))
	mux.Handle("/ws", a.auth.RequireAuth(http.HandlerFunc(a.ServeWS)))

	mux.HandleFunc("/metrics", a.metrics.Handler())
	mux.HandleFunc("/metrics/prometheus", a.metrics.PrometheusHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		a.writeJSON(w, map[string]string{"status": "ok"})
	})
}

// HandleState returns the player's StateView.
// GET /api/state
func (a *API) HandleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, _ := auth.FromContext(r.Context())
	v, err := a.game.View(r.Context(), id.PlayerID)
	if err != nil {
		a.gameError(w, err)
		return
	}
	a.writeJSON(w, v)
}

// HandleTap applies one tap.
// POST /api/tap
func (a *API) HandleTap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, _ := auth.FromContext(r.Context())
	res, err := a.game.Tap(r.Context(), id.PlayerID)
	if err != nil {
		a.gameError(w, err)
		return
	}
	a.writeJSON(w, res)
}

// BuyRequest is the body of /api/buy.
type BuyRequest struct {
	Upgrade string `json:"upgrade"`
}

// HandleBuy attempts a purchase. A shortfall is a 200 with applied=false.
// POST /api/buy
func (a *API) HandleBuy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		a.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	u, err := rules.ParseUpgrade(req.Upgrade)
	if err != nil {
		a.jsonError(w, "Unknown upgrade: "+req.Upgrade, http.StatusBadRequest)
		return
	}

	id, _ := auth.FromContext(r.Context())
	out, err := a.game.Purchase(r.Context(), id.PlayerID, u)
	if err != nil {
		a.gameError(w, err)
		return
	}
	a.writeJSON(w, out)
}

// HandleShop returns the shop panel.
// GET /api/shop
func (a *API) HandleShop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, _ := auth.FromContext(r.Context())
	v, err := a.game.View(r.Context(), id.PlayerID)
	if err != nil {
		a.gameError(w, err)
		return
	}
	a.writeJSON(w, v.Shop)
}

// HistoryResponse is the API response for /api/history.
type HistoryResponse struct {
	PlayerID    string                 `json:"player_id"`
	GeneratedAt string                 `json:"generated_at"`
	Summary     *storage.LedgerSummary `json:"summary"`
	Events      []storage.RecapEvent   `json:"events"`
}

// HandleHistory returns the player's ledger recap.
// GET /api/history?limit=N
func (a *API) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.recon == nil {
		a.jsonError(w, "History unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := DefaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.jsonError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	id, _ := auth.FromContext(r.Context())
	sum, err := a.recon.Summarize(r.Context(), id.PlayerID)
	if err != nil {
		a.logger.Errorf("history summary for %s: %v", id.PlayerID, err)
		a.jsonError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	recap, err := a.recon.GenerateRecap(r.Context(), id.PlayerID, limit)
	if err != nil {
		a.logger.Errorf("history recap for %s: %v", id.PlayerID, err)
		a.jsonError(w, "Failed to read history", http.StatusInternalServerError)
		return
	}
	if recap == nil {
		recap = []storage.RecapEvent{}
	}

	a.writeJSON(w, HistoryResponse{
		PlayerID:    id.PlayerID,
		GeneratedAt: time.Now().Format(time.RFC3339),
		Summary:     sum,
		Events:      recap,
	})
}

// ServeWS upgrades an authenticated request to the game socket.
// GET /ws?token=...
func (a *API) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	// open the session before upgrading so load errors still get a status code;
	// the hold keeps it running for as long as the socket stays open
	release, err := a.game.Hold(r.Context(), id.PlayerID)
	if err != nil {
		a.gameError(w, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		a.logger.Warnf("Failed to upgrade websocket connection: %v", err)
		a.metrics.RecordWSError()
		return
	}

	client := NewClient(a.ctx, a.hub, a.game, conn, id.PlayerID, a.client)
	client.release = release
	if !client.Register() {
		release()
		conn.Close()
		return
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.WritePump()
	go client.ReadPump()
}

func (a *API) gameError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rules.ErrUnknownUpgrade):
		a.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, session.ErrClosed):
		a.jsonError(w, "Server shutting down", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.jsonError(w, "Request cancelled", http.StatusServiceUnavailable)
	default:
		a.logger.Errorf("game request failed: %v", err)
		a.jsonError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("write response: %v", err)
	}
}

func (a *API) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
