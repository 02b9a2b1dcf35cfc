package network

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/berdcoin/tapcoin/internal/auth"
	"github.com/berdcoin/tapcoin/internal/domain/rules"
	"github.com/berdcoin/tapcoin/internal/engine"
	"github.com/berdcoin/tapcoin/internal/events"
	"github.com/berdcoin/tapcoin/internal/infra/storage"
	"github.com/berdcoin/tapcoin/internal/platform/capability"
	"github.com/berdcoin/tapcoin/internal/platform/metrics"
	"github.com/berdcoin/tapcoin/internal/session"
)

type testServer struct {
	srv     *httptest.Server
	auth    *auth.Auth
	hub     *Hub
	metrics *metrics.Collector
}

func newTestAuth(t *testing.T) (*auth.Auth, storage.LedgerRepository, storage.KV) {
	t.Helper()
	db, err := storage.InitSQLite(filepath.Join(t.TempDir(), "api.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	a, err := auth.NewAuth(storage.NewSQLiteUserRepository(db), auth.Options{
		JWTKey:   []byte("test-signing-key"),
		TokenTTL: time.Hour,
		Cost:     bcrypt.MinCost,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a, storage.NewSQLiteLedgerRepository(db), storage.NewSQLiteKV(db)
}

// startServer wires a full stack: SQLite saves and ledger, session manager, hub and API.
func startServer(t *testing.T, game Game, opts ClientOptions) *testServer {
	t.Helper()
	ts, _ := serve(t, game, opts)
	return ts
}

// startServerWithManager is startServer with the real session manager exposed.
func startServerWithManager(t *testing.T) (*testServer, *session.Manager) {
	t.Helper()
	return serve(t, nil, ClientOptions{})
}

func serve(t *testing.T, game Game, opts ClientOptions) (*testServer, *session.Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	a, ledger, kv := newTestAuth(t)
	m := metrics.NewCollector()
	hub := NewHub(nil, m)
	go hub.Run(ctx)

	el := events.NewEventLog(storage.NewLedgerPersister(ledger, time.Second))
	t.Cleanup(hub.Attach(el))

	var mgr *session.Manager
	if game == nil {
		var err error
		mgr, err = session.NewManager(session.Config{
			Rules: session.Rules{
				Tiers:        rules.DefaultTiers(),
				OfflineCap:   rules.DefaultOfflineCap,
				RegenPeriod:  time.Hour,
				MiningPeriod: time.Hour,
			},
			MaxSessions: 8,
			SaveTimeout: time.Second,
		}, session.Deps{
			Store:   kv,
			Saver:   storage.NewSaver(kv, storage.SaverOptions{Metrics: m}),
			Events:  el,
			Haptics: capability.HapticsFor(capability.Static{Haptics: true}, hub),
			Metrics: m,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { mgr.Close(context.Background()) })
		game = mgr
	}

	api := NewAPI(game, a, storage.NewReconstructor(ledger), hub, APIOptions{
		Ctx:     ctx,
		Client:  opts,
		Metrics: m,
	})
	mux := http.NewServeMux()
	api.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, auth: a, hub: hub, metrics: m}, mgr
}

func (ts *testServer) token(t *testing.T, playerID string) string {
	t.Helper()
	tok, err := ts.auth.IssueToken(playerID, "berd")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, tok string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.srv.URL+path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPIRequiresToken(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{})
	for _, path := range []string{"/api/state", "/api/shop", "/api/history", "/ws"} {
		if code := ts.do(t, http.MethodGet, path, "", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d", path, code)
		}
	}
	if code := ts.do(t, http.MethodGet, "/healthz", "", nil, nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
}

func TestAPITapAndState(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{})
	tok := ts.token(t, "p1")

	var res engine.TapResult
	if code := ts.do(t, http.MethodPost, "/api/tap", tok, nil, &res); code != http.StatusOK {
		t.Fatalf("tap = %d", code)
	}
	if !res.Applied || res.State.Score != 1 || res.State.Energy != 99 {
		t.Errorf("tap result = %+v", res)
	}

	var v engine.StateView
	ts.do(t, http.MethodGet, "/api/state", tok, nil, &v)
	if v.Score != 1 || v.Tier != 1 || v.TierAsset != "lvl1" || len(v.Shop) != 4 {
		t.Errorf("state = %+v", v)
	}

	if code := ts.do(t, http.MethodGet, "/api/tap", tok, nil, nil); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/tap = %d", code)
	}
}

func TestAPIBuy(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{})
	tok := ts.token(t, "p1")

	tests := []struct {
		name    string
		upgrade string
		code    int
		reason  string
	}{
		{"unknown", "rocket", http.StatusBadRequest, ""},
		{"short of funds", "multitap", http.StatusOK, rules.ReasonInsufficientFunds},
		{"coming soon", "minigame", http.StatusOK, rules.ReasonComingSoon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out engine.PurchaseOutcome
			code := ts.do(t, http.MethodPost, "/api/buy", tok, BuyRequest{Upgrade: tt.upgrade}, &out)
			if code != tt.code {
				t.Fatalf("code = %d, want %d", code, tt.code)
			}
			if code == http.StatusOK && (out.Applied || out.Reason != tt.reason) {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestAPIShop(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{})
	var shop []rules.ShopItem
	ts.do(t, http.MethodGet, "/api/shop", ts.token(t, "p1"), nil, &shop)
	if len(shop) != len(rules.ShopOrder) {
		t.Fatalf("shop = %+v", shop)
	}
	if shop[0].Upgrade != rules.UpgradeMultitap || shop[0].Price == nil || *shop[0].Price != 100 {
		t.Errorf("first item = %+v", shop[0])
	}
	if shop[3].Price != nil {
		t.Errorf("placeholder slot has a price")
	}
}

func TestAPIHistory(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{})
	tok := ts.token(t, "p1")

	if code := ts.do(t, http.MethodGet, "/api/history?limit=zero", tok, nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", code)
	}

	// opening the session writes SESSION_OPEN to the ledger in the background
	ts.do(t, http.MethodGet, "/api/state", tok, nil, nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var h HistoryResponse
		ts.do(t, http.MethodGet, "/api/history?limit=10", tok, nil, &h)
		if h.Summary != nil && h.Summary.Sessions == 1 {
			if len(h.Events) != 1 || h.Events[0].EventType != string(events.EventTypeSessionOpen) {
				t.Errorf("events = %+v", h.Events)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never showed the session: %+v", h)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialWS(t *testing.T, ts *testServer, tok string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type    string          `json:"type"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var ev wireEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad frame %q: %v", msg, err)
		}
		if ev.Type == want {
			return ev
		}
	}
}

func TestWebSocketTapFlow(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{MinActionInterval: time.Nanosecond})
	conn := dialWS(t, ts, ts.token(t, "p1"))

	conn.WriteJSON(PlayerAction{Type: ActionTap})
	readUntil(t, conn, string(events.EventTypeTap))
	ev := readUntil(t, conn, string(events.EventTypeScoreChanged))
	var sc engine.ScoreChangedPayload
	json.Unmarshal(ev.Payload, &sc)
	if sc.Score != 1 || sc.Delta != 1 || sc.Cause != engine.CauseTap {
		t.Errorf("score changed = %+v", sc)
	}
	h := readUntil(t, conn, string(MsgHaptic))
	var hp HapticPayload
	json.Unmarshal(h.Payload, &hp)
	if hp.Style != capability.HapticLight {
		t.Errorf("haptic style = %q", hp.Style)
	}

	conn.WriteJSON(PlayerAction{Type: ActionState})
	st := readUntil(t, conn, string(MsgState))
	var v engine.StateView
	json.Unmarshal(st.Payload, &v)
	if v.Score != 1 || v.Energy != 99 {
		t.Errorf("state = %+v", v)
	}

	conn.WriteJSON(PlayerAction{Type: ActionBuy, Upgrade: "energy"})
	br := readUntil(t, conn, string(MsgBuyResult))
	var out engine.PurchaseOutcome
	json.Unmarshal(br.Payload, &out)
	if out.Applied || out.Reason != rules.ReasonInsufficientFunds {
		t.Errorf("buy = %+v", out)
	}

	conn.WriteJSON(PlayerAction{Type: "DANCE"})
	readUntil(t, conn, string(MsgError))
}

func TestWebSocketRoutesOnlyOwnEvents(t *testing.T) {
	ts := startServer(t, nil, ClientOptions{MinActionInterval: time.Nanosecond})
	c1 := dialWS(t, ts, ts.token(t, "p1"))
	c2 := dialWS(t, ts, ts.token(t, "p2"))

	c2.WriteJSON(PlayerAction{Type: ActionTap})
	readUntil(t, c2, string(events.EventTypeTap))

	c1.WriteJSON(PlayerAction{Type: ActionState})
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := c1.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var ev wireEvent
		json.Unmarshal(msg, &ev)
		if ev.ActorID != "p1" {
			t.Fatalf("p1 received %s of %s", ev.Type, ev.ActorID)
		}
		if ev.Type == string(MsgState) {
			return
		}
	}
}

type countingGame struct {
	taps     int64
	holds    int64
	releases int64
}

func (g *countingGame) Hold(ctx context.Context, playerID string) (func(), error) {
	atomic.AddInt64(&g.holds, 1)
	return func() { atomic.AddInt64(&g.releases, 1) }, nil
}

func (g *countingGame) Tap(ctx context.Context, playerID string) (engine.TapResult, error) {
	atomic.AddInt64(&g.taps, 1)
	return engine.TapResult{Applied: true}, nil
}

func (g *countingGame) Purchase(ctx context.Context, playerID string, u rules.Upgrade) (engine.PurchaseOutcome, error) {
	return engine.PurchaseOutcome{}, nil
}

func (g *countingGame) View(ctx context.Context, playerID string) (engine.StateView, error) {
	return engine.StateView{}, nil
}

func TestWebSocketDropsFloodedActions(t *testing.T) {
	game := &countingGame{}
	ts := startServer(t, game, ClientOptions{MinActionInterval: time.Hour})
	conn := dialWS(t, ts, ts.token(t, "p1"))

	for i := 0; i < 5; i++ {
		conn.WriteJSON(PlayerAction{Type: ActionTap})
	}

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&ts.metrics.WSMessagesDropped) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("dropped = %d", atomic.LoadInt64(&ts.metrics.WSMessagesDropped))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := atomic.LoadInt64(&game.taps); n != 1 {
		t.Errorf("taps applied = %d, want 1", n)
	}
}

func TestWebSocketCloseReleasesHold(t *testing.T) {
	game := &countingGame{}
	ts := startServer(t, game, ClientOptions{})
	conn := dialWS(t, ts, ts.token(t, "p1"))

	conn.WriteJSON(PlayerAction{Type: ActionState})
	readUntil(t, conn, string(MsgState))
	if h, r := atomic.LoadInt64(&game.holds), atomic.LoadInt64(&game.releases); h != 1 || r != 0 {
		t.Fatalf("while connected holds=%d releases=%d", h, r)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&game.releases) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("closing the socket never released the session hold")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketHoldsManagedSession(t *testing.T) {
	ts, mgr := startServerWithManager(t)
	conn := dialWS(t, ts, ts.token(t, "p1"))

	conn.WriteJSON(PlayerAction{Type: ActionState})
	readUntil(t, conn, string(MsgState))
	if n := mgr.Held("p1"); n != 1 {
		t.Fatalf("holders while connected = %d", n)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Held("p1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still held after the socket closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
