package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

type memUsers struct {
	nextID int64
	items  map[int64]store.User
}

func newMemUsers() *memUsers { return &memUsers{items: make(map[int64]store.User)} }

func (m *memUsers) Create(_ context.Context, email, passwordHash string) (*store.User, error) {
	m.nextID++
	u := store.User{ID: m.nextID, Email: email, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.items[u.ID] = u
	return &u, nil
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*store.User, error) {
	u, ok := m.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*store.User, error) {
	for _, u := range m.items {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) GetByAPITokenHash(_ context.Context, tokenHash string) (*store.User, error) {
	for _, u := range m.items {
		if u.APITokenHash != nil && *u.APITokenHash == tokenHash {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) SetAPITokenHash(_ context.Context, id int64, tokenHash string) error {
	u, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	u.APITokenHash = &tokenHash
	m.items[id] = u
	return nil
}

func (m *memUsers) TouchLastLogin(_ context.Context, id int64) error {
	u, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	u.LastLoginAt = &now
	m.items[id] = u
	return nil
}

func testService(t *testing.T, registrationOpen bool) (*Service, *memUsers) {
	t.Helper()
	cfg := &config.Config{
		BaseURL:          "http://localhost:8080",
		RegistrationOpen: registrationOpen,
	}
	cfg.Session.Secret = "0123456789abcdef0123456789abcdef"

	users := newMemUsers()
	st := &store.Store{Users: users}
	return NewService(cfg, st, NewSessionManager(cfg)), users
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := testService(t, true)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Tutor@Example.COM ", "correcthorse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "tutor@example.com" {
		t.Errorf("email = %q, want normalized", user.Email)
	}
	if user.PasswordHash == "correcthorse" {
		t.Fatal("password stored in clear")
	}

	got, err := svc.Login(ctx, "tutor@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("logged in as %d, want %d", got.ID, user.ID)
	}

	if _, err := svc.Login(ctx, "tutor@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "correcthorse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown account: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := testService(t, true)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "tutor@example.com", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("weak password: %v", err)
	}
	if _, err := svc.Register(ctx, "not-an-email", "correcthorse"); err == nil {
		t.Error("invalid email accepted")
	}

	closed, _ := testService(t, false)
	if _, err := closed.Register(ctx, "tutor@example.com", "correcthorse"); !errors.Is(err, ErrRegistrationClosed) {
		t.Errorf("closed registration: %v", err)
	}
}

func TestAPITokenRoundTrip(t *testing.T) {
	svc, users := testService(t, true)
	ctx := context.Background()

	user, err := svc.Register(ctx, "tutor@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	token, err := svc.IssueAPIToken(ctx, user.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	stored := users.items[user.ID]
	if stored.APITokenHash == nil || *stored.APITokenHash == token {
		t.Fatal("token must be stored hashed")
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFromContext(r.Context())
		if !ok || u.ID != user.ID {
			t.Error("user not in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r := httptest.NewRequest(http.MethodGet, "/api/lessons", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	svc.RequireAPIToken(next).ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/api/lessons", nil)
	r.Header.Set("Authorization", "Bearer bogus")
	w = httptest.NewRecorder()
	svc.RequireAPIToken(next).ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRequireSession(t *testing.T) {
	svc, _ := testService(t, true)
	ctx := context.Background()

	user, err := svc.Register(ctx, "tutor@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	issue := httptest.NewRecorder()
	if err := svc.Sessions().Issue(issue, user.ID); err != nil {
		t.Fatalf("issue session: %v", err)
	}
	cookie := issue.Result().Cookies()[0]

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			t.Error("user not in context")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r := httptest.NewRequest(http.MethodGet, "/lessons", nil)
	r.AddCookie(cookie)
	w := httptest.NewRecorder()
	svc.RequireSession(next).ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("with session: status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	svc.RequireSession(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lessons", nil))
	if w.Code != http.StatusSeeOther {
		t.Errorf("without session: status = %d, want redirect", w.Code)
	}
}
