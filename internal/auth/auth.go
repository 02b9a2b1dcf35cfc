// Package auth registers players and issues the session tokens that identify them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/berdcoin/tapcoin/internal/infra/storage"
	"github.com/berdcoin/tapcoin/internal/platform/logger"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUsername    = errors.New("username must be 3-24 letters, digits or underscores")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
	ErrPasswordMismatch   = errors.New("passwords do not match")
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// MinPasswordLen is the shortest accepted password.
const MinPasswordLen = 6

// Identity is the authenticated player behind a request.
type Identity struct {
	PlayerID string
	Username string
}

// Options configures Auth.
type Options struct {
	JWTKey   []byte
	Issuer   string
	TokenTTL time.Duration
	Logger   *logger.Logger
	// Cost is the bcrypt cost; 0 means bcrypt.DefaultCost.
	Cost int
}

// Auth handles accounts and HS256 session tokens.
type Auth struct {
	users  storage.UserRepository
	jwtKey []byte
	issuer string
	ttl    time.Duration
	cost   int
	logger *logger.Logger
	now    func() time.Time
}

func NewAuth(users storage.UserRepository, opts Options) (*Auth, error) {
	if len(opts.JWTKey) < 8 {
		return nil, errors.New("jwt key too short")
	}
	if opts.Issuer == "" {
		opts.Issuer = "tapcoin"
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Auth{
		users:  users,
		jwtKey: opts.JWTKey,
		issuer: opts.Issuer,
		ttl:    opts.TokenTTL,
		cost:   opts.Cost,
		logger: opts.Logger,
		now:    time.Now,
	}, nil
}

// Register creates an account. Usernames are case-insensitive.
func (a *Auth) Register(ctx context.Context, username, password, confirm string) (*storage.User, error) {
	username = strings.TrimSpace(username)
	if !usernameRE.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if len(password) < MinPasswordLen {
		return nil, ErrWeakPassword
	}
	if password != confirm {
		return nil, ErrPasswordMismatch
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := storage.User{
		ID:           uuid.NewString(),
		Username:     strings.ToLower(username),
		PasswordHash: string(hash),
		CreatedAt:    a.now(),
	}
	if err := a.users.Create(ctx, u); err != nil {
		return nil, err
	}
	a.logger.Event("REGISTER", u.ID, "username "+u.Username)
	return &u, nil
}

// Login checks credentials and returns a signed token.
func (a *Auth) Login(ctx context.Context, username, password string) (string, *storage.User, error) {
	u, err := a.users.GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}
	tok, err := a.IssueToken(u.ID, u.Username)
	if err != nil {
		return "", nil, err
	}
	return tok, u, nil
}

// IssueToken signs a token for a player.
func (a *Auth) IssueToken(playerID, username string) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub":  playerID,
		"name": username,
		"iss":  a.issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(a.ttl).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(a.jwtKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its identity.
func (a *Auth) ParseToken(tok string) (Identity, error) {
	if tok == "" {
		return Identity{}, ErrInvalidToken
	}
	t, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !t.Valid {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	if sub == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{PlayerID: sub, Username: name}, nil
}

type ctxKey struct{}

// WithIdentity attaches an identity to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity set by RequireAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// TokenFromRequest reads a bearer header or the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RequireAuth rejects requests without a valid token and stores the identity in the context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.ParseToken(TokenFromRequest(r))
		if err != nil {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

type RegisterReq struct {
	Username        string `json:"username"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type RegisterResp struct {
	OK bool `json:"ok"`
}

type LoginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResp struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

func (a *Auth) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RegisterReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid json", http.StatusBadRequest)
		return
	}
	_, err := a.Register(r.Context(), req.Username, req.Password, req.PasswordConfirm)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUserExists):
		writeError(w, "username already exists", http.StatusConflict)
		return
	case errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrWeakPassword), errors.Is(err, ErrPasswordMismatch):
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	default:
		a.logger.Errorf("register: %v", err)
		writeError(w, "save failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RegisterResp{OK: true})
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LoginReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid json", http.StatusBadRequest)
		return
	}
	tok, u, err := a.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		a.logger.Errorf("login: %v", err)
		writeError(w, "login failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResp{Token: tok, Username: u.Username})
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
