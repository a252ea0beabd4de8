package ui

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
	"gitea.jw6.us/james/tutortrack/internal/store"
	"gitea.jw6.us/james/tutortrack/internal/sync"
)

type apiLesson struct {
	ID              int64      `json:"id"`
	StudentName     string     `json:"student_name"`
	StartAt         time.Time  `json:"start_at"`
	DurationMinutes int        `json:"duration_minutes"`
	Price           float64    `json:"price"`
	Paid            bool       `json:"paid"`
	PaidAt          *time.Time `json:"paid_at,omitempty"`
}

func toAPILesson(l store.Lesson) apiLesson {
	return apiLesson{
		ID:              l.ID,
		StudentName:     l.StudentName,
		StartAt:         l.StartAt,
		DurationMinutes: l.DurationMinutes,
		Price:           l.Price(),
		Paid:            l.Paid,
		PaidAt:          l.PaidAt,
	}
}

// APIListLessons returns the caller's lessons, optionally bounded by
// ?from and ?to (RFC 3339).
func (h *Handler) APIListLessons(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = &t
	}

	lessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, from, to)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]apiLesson, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, toAPILesson(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"lessons": out})
}

type apiCreateLessonRequest struct {
	StudentName     string    `json:"student_name"`
	StartAt         time.Time `json:"start_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// APICreateLesson books a lesson from a shortcut or script. An unknown
// student name creates a stub student, mirroring the calendar import.
func (h *Handler) APICreateLesson(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req apiCreateLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StudentName == "" || req.StartAt.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "student_name and start_at are required")
		return
	}
	if req.DurationMinutes <= 0 || float64(req.DurationMinutes) > h.cfg.MaxLessonHours*60 {
		writeJSONError(w, http.StatusBadRequest, "duration_minutes out of range")
		return
	}

	name := sync.FormatStudentName(req.StudentName)
	student, err := h.store.Students.FindByFullName(r.Context(), user.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		first, last := sync.SplitFullName(name)
		student, err = h.store.Students.Create(r.Context(), store.Student{
			UserID:    user.ID,
			FirstName: first,
			LastName:  last,
		})
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	lesson := store.Lesson{
		UserID:          user.ID,
		StudentID:       &student.ID,
		StudentName:     name,
		StartAt:         req.StartAt,
		DurationMinutes: req.DurationMinutes,
		HourlyRate:      student.HourlyRate,
		PaymentMethod:   student.PaymentMethod,
	}
	if lesson.HourlyRate == nil && h.cfg.DefaultHourlyRate > 0 {
		rate := h.cfg.DefaultHourlyRate
		lesson.HourlyRate = &rate
	}

	created, err := h.store.Lessons.Create(r.Context(), lesson)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.pushCreated(created)
	writeJSON(w, http.StatusCreated, toAPILesson(*created))
}

type apiStudent struct {
	ID            int64    `json:"id"`
	FullName      string   `json:"full_name"`
	HourlyRate    *float64 `json:"hourly_rate,omitempty"`
	PaymentMethod *string  `json:"payment_method,omitempty"`
}

func (h *Handler) APIListStudents(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	students, err := h.store.Students.ListByUser(r.Context(), user.ID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]apiStudent, 0, len(students))
	for _, s := range students {
		item := apiStudent{ID: s.ID, FullName: s.FullName(), HourlyRate: s.HourlyRate}
		if s.PaymentMethod != nil {
			method := string(*s.PaymentMethod)
			item.PaymentMethod = &method
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"students": out})
}

// APIDeleteLesson removes a lesson (and its mirrored calendar event) by id.
func (h *Handler) APIDeleteLesson(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid lesson id")
		return
	}

	if _, err := h.store.Lessons.GetByID(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "lesson not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Event first: the link row resolving it cascades away with the lesson.
	if h.engine != nil {
		if err := h.engine.PushLessonDeleted(r.Context(), user.ID, id); err != nil {
			httperrors.LogError(r, "removing calendar event", err)
		}
	}
	if err := h.store.Lessons.Delete(r.Context(), user.ID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
