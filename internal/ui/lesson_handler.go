package ui

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

func (h *Handler) Lessons(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	from, to := h.monthRange(r)
	lessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, &from, &to)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}
	students, err := h.store.Students.ListByUser(r.Context(), user.ID)
	if err != nil {
		internalError(w, r, err, "failed to load students")
		return
	}

	data := map[string]any{
		"Title":     "Lessons",
		"User":      user,
		"Lessons":   lessons,
		"Students":  students,
		"From":      from,
		"To":        to,
		"PrevMonth": from.AddDate(0, -1, 0).Format("2006-01"),
		"NextMonth": from.AddDate(0, 1, 0).Format("2006-01"),
		"Month":     from.Format("January 2006"),
	}
	h.render(w, r, "lessons.html", h.withFlash(r, data))
}

// monthRange resolves the ?month=YYYY-MM filter, defaulting to the current
// month in the application timezone.
func (h *Handler) monthRange(r *http.Request) (from, to time.Time) {
	now := time.Now().In(h.location)
	from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, h.location)
	if m := r.URL.Query().Get("month"); m != "" {
		if parsed, err := time.ParseInLocation("2006-01", m, h.location); err == nil {
			from = parsed
		}
	}
	return from, from.AddDate(0, 1, 0)
}

func (h *Handler) CreateLesson(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	studentID, start, duration, err := h.parseLessonForm(r)
	if err != nil {
		h.redirect(w, r, "/lessons", map[string]string{"error": err.Error()})
		return
	}
	if studentID == 0 {
		h.redirect(w, r, "/lessons", map[string]string{"error": "a student is required"})
		return
	}

	student, err := h.store.Students.GetByID(r.Context(), user.ID, studentID)
	if err != nil {
		h.redirect(w, r, "/lessons", map[string]string{"error": "unknown student"})
		return
	}

	lesson := store.Lesson{
		UserID:          user.ID,
		StudentID:       &student.ID,
		StudentName:     student.FullName(),
		StartAt:         start,
		DurationMinutes: duration,
		HourlyRate:      student.HourlyRate,
		PaymentMethod:   student.PaymentMethod,
		AlreadyPaid:     r.FormValue("already_paid") == "on",
	}
	created, err := h.store.Lessons.Create(r.Context(), lesson)
	if err != nil {
		internalError(w, r, err, "failed to create lesson")
		return
	}

	h.pushCreated(created)
	h.redirect(w, r, "/lessons", map[string]string{"status": "Lesson created"})
}

func (h *Handler) UpdateLesson(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid lesson id")
		return
	}
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	lesson, err := h.store.Lessons.GetByID(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, r, err, "failed to load lesson")
		return
	}

	studentID, start, duration, err := h.parseLessonForm(r)
	if err != nil {
		h.redirect(w, r, "/lessons", map[string]string{"error": err.Error()})
		return
	}
	if studentID != 0 && (lesson.StudentID == nil || *lesson.StudentID != studentID) {
		student, err := h.store.Students.GetByID(r.Context(), user.ID, studentID)
		if err != nil {
			h.redirect(w, r, "/lessons", map[string]string{"error": "unknown student"})
			return
		}
		lesson.StudentID = &student.ID
		lesson.StudentName = student.FullName()
	}
	lesson.StartAt = start
	lesson.DurationMinutes = duration
	lesson.AlreadyPaid = r.FormValue("already_paid") == "on"

	if err := h.store.Lessons.Update(r.Context(), *lesson); err != nil {
		internalError(w, r, err, "failed to update lesson")
		return
	}

	h.pushUpdated(lesson)
	h.redirect(w, r, "/lessons", map[string]string{"status": "Lesson updated"})
}

func (h *Handler) DeleteLesson(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid lesson id")
		return
	}

	// The calendar event is removed first: the link row is needed to
	// resolve it and goes away with the lesson.
	if h.engine != nil {
		if err := h.engine.PushLessonDeleted(r.Context(), user.ID, id); err != nil {
			httperrors.LogError(r, "removing calendar event", err)
		}
	}

	if err := h.store.Lessons.Delete(r.Context(), user.ID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		internalError(w, r, err, "failed to delete lesson")
		return
	}
	h.redirect(w, r, "/lessons", map[string]string{"status": "Lesson deleted"})
}

// DeleteSelectedLessons removes every lesson checked in the list form.
func (h *Handler) DeleteSelectedLessons(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	deleted := 0
	for _, raw := range r.PostForm["lesson_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if h.engine != nil {
			if err := h.engine.PushLessonDeleted(r.Context(), user.ID, id); err != nil {
				httperrors.LogError(r, "removing calendar event", err)
			}
		}
		if err := h.store.Lessons.Delete(r.Context(), user.ID, id); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				httperrors.LogError(r, "deleting lesson", err)
			}
			continue
		}
		deleted++
	}
	if deleted == 0 {
		h.redirect(w, r, "/lessons", map[string]string{"error": "No lessons selected"})
		return
	}
	h.redirect(w, r, "/lessons", map[string]string{"status": fmt.Sprintf("%d lesson(s) deleted", deleted)})
}

func (h *Handler) ToggleLessonPaid(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid lesson id")
		return
	}

	lesson, err := h.store.Lessons.GetByID(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, r, err, "failed to load lesson")
		return
	}

	if lesson.Paid {
		// Remember when it was paid before clearing: the expense tracker
		// entry is keyed on that date.
		wasPaidAt := lesson.StartAt
		if lesson.PaidAt != nil {
			wasPaidAt = *lesson.PaidAt
		}
		if err := h.store.Lessons.SetPaid(r.Context(), user.ID, id, false, nil); err != nil {
			internalError(w, r, err, "failed to update lesson")
			return
		}
		if !lesson.AlreadyPaid {
			h.removePayment(lesson, wasPaidAt)
		}
		h.redirect(w, r, "/lessons", map[string]string{"status": "Lesson marked as unpaid"})
		return
	}

	now := time.Now()
	if err := h.store.Lessons.SetPaid(r.Context(), user.ID, id, true, &now); err != nil {
		internalError(w, r, err, "failed to update lesson")
		return
	}
	if !lesson.AlreadyPaid {
		h.recordPayment(lesson, now)
	}
	h.redirect(w, r, "/lessons", map[string]string{"status": "Lesson marked as paid"})
}

// Calendar pushes and expense exports run off the request path; their
// failures are logged, never surfaced to the user.

func (h *Handler) pushCreated(lesson *store.Lesson) {
	if h.engine == nil {
		return
	}
	go func() {
		if err := h.engine.PushLessonCreated(context.Background(), lesson); err != nil {
			log.Printf("[ERROR] exporting lesson %d to calendar: %v", lesson.ID, err)
		}
	}()
}

func (h *Handler) pushUpdated(lesson *store.Lesson) {
	if h.engine == nil {
		return
	}
	go func() {
		if err := h.engine.PushLessonUpdated(context.Background(), lesson); err != nil {
			log.Printf("[ERROR] updating calendar event for lesson %d: %v", lesson.ID, err)
		}
	}()
}

func (h *Handler) recordPayment(lesson *store.Lesson, paidAt time.Time) {
	if h.fintrack == nil || !h.fintrack.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.fintrack.RecordLessonPayment(ctx, lesson, paidAt); err != nil {
			log.Printf("[WARN] exporting payment for lesson %d: %v", lesson.ID, err)
		}
	}()
}

func (h *Handler) removePayment(lesson *store.Lesson, paidAt time.Time) {
	if h.fintrack == nil || !h.fintrack.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := h.fintrack.RemoveLessonPayment(ctx, lesson, paidAt); err != nil {
			log.Printf("[WARN] removing exported payment for lesson %d: %v", lesson.ID, err)
		}
	}()
}
