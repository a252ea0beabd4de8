package ui

import (
	"html/template"
	"net/http"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/fintrack"
	"gitea.jw6.us/james/tutortrack/internal/store"
	"gitea.jw6.us/james/tutortrack/internal/sync"
)

// Handler serves server-rendered HTML pages and the JSON API.
type Handler struct {
	cfg         *config.Config
	store       *store.Store
	authService *auth.Service
	engine      *sync.Engine
	fintrack    *fintrack.Client
	location    *time.Location
	templates   map[string]*template.Template
}

// NewHandler wires the web handlers. engine may be nil when the calendar
// integration is not configured.
func NewHandler(cfg *config.Config, store *store.Store, authService *auth.Service, engine *sync.Engine, ft *fintrack.Client, loc *time.Location) *Handler {
	return &Handler{
		cfg:         cfg,
		store:       store,
		authService: authService,
		engine:      engine,
		fintrack:    ft,
		location:    loc,
		templates:   templates,
	}
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	now := time.Now().In(h.location)
	weekStart := startOfWeek(now)
	weekEnd := weekStart.AddDate(0, 0, 7)
	lessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, &weekStart, &weekEnd)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}

	var unpaid int
	var owed float64
	allLessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, nil, nil)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}
	for _, l := range allLessons {
		if !l.Paid && !l.AlreadyPaid {
			unpaid++
			owed += l.Price()
		}
	}

	students, _ := h.store.Students.ListByUser(r.Context(), user.ID)
	connected, needsReconnect := h.calendarStatus(r)

	data := map[string]any{
		"Title":             "Dashboard",
		"User":              user,
		"WeekLessons":       lessons,
		"StudentCount":      len(students),
		"UnpaidCount":       unpaid,
		"AmountOwed":        owed,
		"CalendarConnected": connected,
		"NeedsReconnect":    needsReconnect,
		"CalendarEnabled":   h.cfg.CalendarEnabled(),
	}
	h.render(w, r, "dashboard.html", h.withFlash(r, data))
}

// calendarStatus reports whether the user has a calendar connection and
// whether it is waiting on a re-consent.
func (h *Handler) calendarStatus(r *http.Request) (connected, needsReconnect bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return false, false
	}
	cred, err := h.store.Credentials.Get(r.Context(), user.ID)
	if err != nil {
		return false, false
	}
	return true, cred.NeedsReconnect
}

func startOfWeek(t time.Time) time.Time {
	// Weeks start on Monday.
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -offset)
}
