package ui

import (
	"errors"
	"net/http"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
)

func (h *Handler) LoginForm(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authService.Sessions().CurrentUserID(r); ok {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	data := map[string]any{
		"Title":            "Sign in",
		"RegistrationOpen": h.cfg.RegistrationOpen,
	}
	h.render(w, r, "login.html", h.withFlash(r, data))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	user, err := h.authService.Login(r.Context(), r.FormValue("email"), r.FormValue("password"))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.redirect(w, r, "/login", map[string]string{"error": "Invalid email or password"})
			return
		}
		internalError(w, r, err, "login failed")
		return
	}

	if err := h.authService.Sessions().Issue(w, user.ID); err != nil {
		internalError(w, r, err, "failed to start session")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) RegisterForm(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.RegistrationOpen {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	data := map[string]any{"Title": "Create account"}
	h.render(w, r, "register.html", h.withFlash(r, data))
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	user, err := h.authService.Register(r.Context(), r.FormValue("email"), r.FormValue("password"))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrRegistrationClosed):
			h.redirect(w, r, "/login", map[string]string{"error": "Registration is closed"})
		case errors.Is(err, auth.ErrWeakPassword):
			h.redirect(w, r, "/register", map[string]string{"error": "Password must be at least 8 characters"})
		default:
			h.redirect(w, r, "/register", map[string]string{"error": "Could not create the account"})
		}
		return
	}

	if err := h.authService.Sessions().Issue(w, user.ID); err != nil {
		internalError(w, r, err, "failed to start session")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authService.Sessions().Clear(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}
