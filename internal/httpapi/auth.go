package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// AuthProvider authenticates username/password pairs and validates the
// bearer tokens minted for successful logins. The "none" mode never
// requires a token; "userpass" mints a session token per successful login.
type AuthProvider interface {
	RequiresAuth() bool
	Authenticate(username, password string) (token string, expiresAt time.Time, ok bool)
	ValidateToken(token string) bool
}

// NoAuth is the "none" auth mode: every request is allowed through.
type NoAuth struct{}

func (NoAuth) RequiresAuth() bool { return false }
func (NoAuth) Authenticate(_, _ string) (string, time.Time, bool) {
	return "", time.Time{}, false
}
func (NoAuth) ValidateToken(string) bool { return true }

type session struct {
	username  string
	expiresAt time.Time
}

// UserPassAuth checks credentials against a fixed username/password table
// loaded from config (passwords are held as bcrypt hashes) and issues
// random session tokens.
type UserPassAuth struct {
	users        map[string][]byte // username -> bcrypt hash
	sessions     map[string]session
	mu           sync.Mutex
	timeout      time.Duration
	refreshOnUse bool
}

// NewUserPassAuth builds a UserPassAuth, hashing every configured
// plaintext password once up front.
func NewUserPassAuth(users map[string]string, timeout time.Duration, refreshOnUse bool) (*UserPassAuth, error) {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	hashed := make(map[string][]byte, len(users))
	for username, password := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hashed[username] = hash
	}
	return &UserPassAuth{
		users:        hashed,
		sessions:     make(map[string]session),
		timeout:      timeout,
		refreshOnUse: refreshOnUse,
	}, nil
}

func (a *UserPassAuth) RequiresAuth() bool { return true }

func (a *UserPassAuth) Authenticate(username, password string) (string, time.Time, bool) {
	hash, ok := a.users[username]
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return "", time.Time{}, false
	}

	token := uuid.NewString()
	now := time.Now()
	expiresAt := now.Add(a.timeout)

	a.mu.Lock()
	a.evictExpired(now)
	a.sessions[token] = session{username: username, expiresAt: expiresAt}
	a.mu.Unlock()

	return token, expiresAt, true
}

func (a *UserPassAuth) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[token]
	if !ok || sess.expiresAt.Before(now) {
		delete(a.sessions, token)
		return false
	}
	if a.refreshOnUse {
		sess.expiresAt = now.Add(a.timeout)
		a.sessions[token] = sess
	}
	return true
}

func (a *UserPassAuth) evictExpired(now time.Time) {
	for token, sess := range a.sessions {
		if sess.expiresAt.Before(now) {
			delete(a.sessions, token)
		}
	}
}

const tokenHeader = "X-Doomsday-Token"
const tokenCookie = "doomsday-token"

// extractToken reads the auth token from the X-Doomsday-Token header first,
// falling back to a same-named cookie.
func extractToken(r *http.Request) string {
	if tok := r.Header.Get(tokenHeader); tok != "" {
		return tok
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// requireAuth wraps a handler with a token check when the provider demands
// one. /v1/info and /v1/auth never go through this wrapper.
func requireAuth(auth AuthProvider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.RequiresAuth() {
			next(w, r)
			return
		}
		if !auth.ValidateToken(extractToken(r)) {
			writeError(w, http.StatusUnauthorized, "missing or invalid auth token")
			return
		}
		next(w, r)
	}
}
