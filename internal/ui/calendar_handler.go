package ui

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
)

const oauthStateCookie = "tutortrack_oauth_state"

// CalendarConnect starts the Google consent flow.
func (h *Handler) CalendarConnect(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		h.redirect(w, r, "/settings", map[string]string{"error": "Calendar sync is not configured"})
		return
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		internalError(w, r, err, "failed to generate state")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	secure := true
	if base, err := url.Parse(h.cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.engine.AuthCodeURL(state), http.StatusFound)
}

// CalendarCallback completes the consent flow.
func (h *Handler) CalendarCallback(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if h.engine == nil {
		http.NotFound(w, r)
		return
	}

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		h.redirect(w, r, "/settings", map[string]string{"error": "Calendar access was denied"})
		return
	}

	cookie, err := r.Cookie(oauthStateCookie)
	state := r.URL.Query().Get("state")
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		httperrors.BadRequestError(w, r, err, "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", Expires: time.Unix(0, 0)})

	code := r.URL.Query().Get("code")
	if code == "" {
		httperrors.BadRequestError(w, r, nil, "missing authorization code")
		return
	}

	if err := h.engine.Connect(r.Context(), user.ID, code); err != nil {
		httperrors.LogError(r, "connecting calendar", err)
		h.redirect(w, r, "/settings", map[string]string{"error": "Could not connect the calendar"})
		return
	}
	h.redirect(w, r, "/settings", map[string]string{"status": "Calendar connected"})
}

// CalendarDisconnect severs the connection, keeping lessons.
func (h *Handler) CalendarDisconnect(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if h.engine == nil {
		http.NotFound(w, r)
		return
	}

	if err := h.engine.Disconnect(r.Context(), user.ID); err != nil {
		internalError(w, r, err, "failed to disconnect calendar")
		return
	}
	h.redirect(w, r, "/settings", map[string]string{"status": "Calendar disconnected"})
}

// CalendarSyncNow triggers a manual pull.
func (h *Handler) CalendarSyncNow(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if h.engine == nil {
		http.NotFound(w, r)
		return
	}

	if err := h.engine.PullChanges(r.Context(), user.ID); err != nil {
		httperrors.LogError(r, "manual calendar sync", err)
		h.redirect(w, r, "/settings", map[string]string{"error": "Sync failed, see the server log"})
		return
	}
	h.redirect(w, r, "/settings", map[string]string{"status": "Calendar synced"})
}
