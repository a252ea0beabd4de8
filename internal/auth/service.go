package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

var (
	// ErrInvalidCredentials hides whether the account or the password was
	// wrong.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrRegistrationClosed is returned when sign-ups are disabled.
	ErrRegistrationClosed = errors.New("auth: registration is closed")

	// ErrWeakPassword rejects passwords below the minimum length.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
)

// Service encapsulates account creation, password login and API token
// verification.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	sessions *SessionManager
}

func NewService(cfg *config.Config, store *store.Store, sessions *SessionManager) *Service {
	return &Service{cfg: cfg, store: store, sessions: sessions}
}

// Sessions exposes the session manager for login/logout handlers.
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Register creates a new tutor account.
func (s *Service) Register(ctx context.Context, email, password string) (*store.User, error) {
	if !s.cfg.RegistrationOpen {
		return nil, ErrRegistrationClosed
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("auth: a valid email address is required")
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return s.store.Users.Create(ctx, email, string(hash))
}

// Login verifies a password and returns the matching account.
func (s *Service) Login(ctx context.Context, email, password string) (*store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.Users.GetByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison so the response time does not reveal whether
		// the account exists.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	if err := s.store.Users.TouchLastLogin(ctx, user.ID); err != nil {
		// Login still succeeds; the timestamp is informational.
		return user, nil
	}
	return user, nil
}

// IssueAPIToken mints a new bearer token for the JSON API, replacing any
// previous one. The plaintext is returned exactly once.
func (s *Service) IssueAPIToken(ctx context.Context, userID int64) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if err := s.store.Users.SetAPITokenHash(ctx, userID, HashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

// HashToken is the digest stored and compared for API tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// RequireSession loads the signed-in user into the request context, or
// redirects to the login page.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.CurrentUserID(r)
		if !ok {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		user, err := s.store.Users.GetByID(r.Context(), userID)
		if err != nil {
			s.sessions.Clear(w)
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireAPIToken authenticates JSON API requests via a bearer token.
func (s *Service) RequireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := s.store.Users.GetByAPITokenHash(r.Context(), HashToken(token))
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
