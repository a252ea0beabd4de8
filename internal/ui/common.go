package ui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/tutortrack/internal/http/csrf"
	"gitea.jw6.us/james/tutortrack/internal/http/errors"
)

// withFlash adds flash messages and CSRF token to template data.
func (h *Handler) withFlash(r *http.Request, data map[string]any) map[string]any {
	q := r.URL.Query()
	if status := q.Get("status"); status != "" {
		data["FlashMessage"] = status
	}
	if err := q.Get("error"); err != "" {
		data["FlashError"] = err
	}
	if token := q.Get("token"); token != "" {
		data["PlainToken"] = token
	}
	if csrfToken := csrf.TokenFromContext(r.Context()); csrfToken != "" {
		data["CSRFToken"] = csrfToken
	}
	return data
}

// redirect redirects to a path with query parameters.
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, path string, params map[string]string) {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	location := path
	if encoded := q.Encode(); encoded != "" {
		location += "?" + encoded
	}
	http.Redirect(w, r, location, http.StatusFound)
}

// render executes a template and writes the response.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	tmpl, ok := h.templates[name]
	if !ok {
		errors.InternalError(w, r, fmt.Errorf("template not found"), fmt.Sprintf("template %q not found", name))
		return
	}

	if err := tmpl.ExecuteTemplate(w, name, data); err != nil {
		errors.InternalError(w, r, err, fmt.Sprintf("template render error for %q", name))
	}
}

func internalError(w http.ResponseWriter, r *http.Request, err error, message string) {
	errors.InternalError(w, r, err, message)
}

// pathID extracts a numeric {id} URL parameter.
func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// parseLessonForm reads the shared lesson form fields. start is interpreted
// in the application timezone.
func (h *Handler) parseLessonForm(r *http.Request) (studentID int64, start time.Time, duration int, err error) {
	if sid := r.FormValue("student_id"); sid != "" {
		studentID, err = strconv.ParseInt(sid, 10, 64)
		if err != nil {
			return 0, time.Time{}, 0, fmt.Errorf("invalid student")
		}
	}

	start, err = time.ParseInLocation("2006-01-02T15:04", r.FormValue("start_at"), h.location)
	if err != nil {
		return 0, time.Time{}, 0, fmt.Errorf("invalid start time")
	}

	duration, err = strconv.Atoi(r.FormValue("duration_minutes"))
	if err != nil || duration <= 0 {
		return 0, time.Time{}, 0, fmt.Errorf("invalid duration")
	}
	if float64(duration) > h.cfg.MaxLessonHours*60 {
		return 0, time.Time{}, 0, fmt.Errorf("duration exceeds %v hours", h.cfg.MaxLessonHours)
	}
	return studentID, start, duration, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
