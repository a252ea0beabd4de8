package httpserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/http/csrf"
	"gitea.jw6.us/james/tutortrack/internal/http/ratelimit"
	"gitea.jw6.us/james/tutortrack/internal/metrics"
	"gitea.jw6.us/james/tutortrack/internal/store"
	"gitea.jw6.us/james/tutortrack/internal/ui"
)

// NewRouter wires all HTTP routes: the web UI, the JSON API and the
// calendar webhook.
func NewRouter(cfg *config.Config, store *store.Store, authService *auth.Service, uiHandler *ui.Handler, webhook http.Handler) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// API endpoints: 20 requests per second, burst of 50
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(overrideMethod)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	// Google push notifications. Unauthenticated: the channel id is the
	// shared secret, and the handler always answers 200.
	if webhook != nil {
		webhookRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(10), 30, 5*time.Minute, cfg.TrustedProxies)
		r.With(webhookRateLimiter.Middleware()).Method(http.MethodPost, "/google/webhook", webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/login", uiHandler.LoginForm)
		r.Post("/login", uiHandler.Login)
		r.Get("/register", uiHandler.RegisterForm)
		r.Post("/register", uiHandler.Register)
	})

	r.Group(func(r chi.Router) {
		r.Use(authService.RequireSession)
		r.Use(csrf.Middleware(cfg))

		r.Get("/", uiHandler.Dashboard)
		r.Post("/logout", uiHandler.Logout)

		r.Get("/lessons", uiHandler.Lessons)
		r.Post("/lessons", uiHandler.CreateLesson)
		r.Post("/lessons/{id}", uiHandler.UpdateLesson)
		r.Post("/lessons/{id}/delete", uiHandler.DeleteLesson)
		r.Post("/lessons/delete-selected", uiHandler.DeleteSelectedLessons)
		r.Post("/lessons/{id}/toggle-paid", uiHandler.ToggleLessonPaid)

		r.Get("/students", uiHandler.Students)
		r.Post("/students", uiHandler.CreateStudent)
		r.Get("/students/{id}", uiHandler.StudentDetail)
		r.Post("/students/{id}", uiHandler.UpdateStudent)
		r.Post("/students/{id}/delete", uiHandler.DeleteStudent)

		r.Get("/reports", uiHandler.Reports)
		r.Post("/reports/mark-paid", uiHandler.MarkStudentPaid)

		r.Get("/settings", uiHandler.Settings)
		r.Post("/settings/api-token", uiHandler.RotateAPIToken)

		r.Get("/calendar/connect", uiHandler.CalendarConnect)
		r.Get(cfg.Google.RedirectPath, uiHandler.CalendarCallback)
		r.Post("/calendar/disconnect", uiHandler.CalendarDisconnect)
		r.Post("/calendar/sync", uiHandler.CalendarSyncNow)
	})

	// JSON API for shortcuts and scripting, authenticated by bearer token.
	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())
		r.Use(authService.RequireAPIToken)
		r.Get("/lessons", uiHandler.APIListLessons)
		r.Post("/lessons", uiHandler.APICreateLesson)
		r.Delete("/lessons/{id}", uiHandler.APIDeleteLesson)
		r.Get("/students", uiHandler.APIListStudents)
	})

	return r
}

func overrideMethod(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		if r.Method == http.MethodPost {
			if m := strings.TrimSpace(r.PostFormValue("_method")); m != "" {
				method = m
			} else if m := strings.TrimSpace(r.URL.Query().Get("_method")); m != "" {
				method = m
			}
		}
		switch strings.ToUpper(method) {
		case http.MethodPut, http.MethodDelete:
			r.Method = strings.ToUpper(method)
		}
		next.ServeHTTP(w, r)
	})
}
