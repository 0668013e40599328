package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const SessionCookie = "tethercam_session"

// Sessions holds the tokens handed out at login.
type Sessions struct {
	ttl    time.Duration
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{ttl: ttl, tokens: make(map[string]time.Time), now: time.Now}
}

// Create issues a new token and drops expired ones.
func (s *Sessions) Create() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for token, expires := range s.tokens {
		if now.After(expires) {
			delete(s.tokens, token)
		}
	}
	token := uuid.NewString()
	s.tokens[token] = now.Add(s.ttl)
	return token
}

func (s *Sessions) Valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.tokens[token]
	return ok && !s.now().After(expires)
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// Token returns the session token carried by r, if any.
func Token(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func isPublic(path string) bool {
	return path == "/login" || path == "/auth/login" || strings.HasPrefix(path, "/static/")
}

// AuthMiddleware admits requests with a live session. API and XHR callers
// get 401, browsers are sent to the login page.
func AuthMiddleware(sessions *Sessions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublic(r.URL.Path) || sessions.Valid(Token(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if strings.HasPrefix(r.URL.Path, "/api/") ||
			r.Header.Get("X-Requested-With") == "XMLHttpRequest" ||
			r.Header.Get("Content-Type") == "application/json" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	})
}
