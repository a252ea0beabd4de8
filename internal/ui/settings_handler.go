package ui

import (
	"net/http"

	"gitea.jw6.us/james/tutortrack/internal/auth"
)

func (h *Handler) Settings(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	connected, needsReconnect := h.calendarStatus(r)
	var connectedEmail string
	if connected {
		if cred, err := h.store.Credentials.Get(r.Context(), user.ID); err == nil && cred.ConnectedEmail != nil {
			connectedEmail = *cred.ConnectedEmail
		}
	}

	data := map[string]any{
		"Title":             "Settings",
		"User":              user,
		"CalendarEnabled":   h.cfg.CalendarEnabled(),
		"CalendarConnected": connected,
		"NeedsReconnect":    needsReconnect,
		"ConnectedEmail":    connectedEmail,
		"HasAPIToken":       user.APITokenHash != nil,
		"FinTrackEnabled":   h.cfg.FinTrackEnabled(),
	}
	h.render(w, r, "settings.html", h.withFlash(r, data))
}

// RotateAPIToken mints a fresh API token and shows it once.
func (h *Handler) RotateAPIToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	token, err := h.authService.IssueAPIToken(r.Context(), user.ID)
	if err != nil {
		internalError(w, r, err, "failed to issue API token")
		return
	}
	h.redirect(w, r, "/settings", map[string]string{
		"status": "New API token issued. Copy it now: it is not shown again.",
		"token":  token,
	})
}
