package ui

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

func (h *Handler) Students(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	students, err := h.store.Students.ListByUser(r.Context(), user.ID)
	if err != nil {
		internalError(w, r, err, "failed to load students")
		return
	}
	data := map[string]any{
		"Title":          "Students",
		"User":           user,
		"Students":       students,
		"PaymentMethods": []store.PaymentMethod{store.PayCash, store.PayElectronicTransfer, store.PayOtherDigital},
	}
	h.render(w, r, "students.html", h.withFlash(r, data))
}

// StudentDetail shows one student with an edit form and their lesson history.
func (h *Handler) StudentDetail(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid student id")
		return
	}

	student, err := h.store.Students.GetByID(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, r, err, "failed to load student")
		return
	}

	all, err := h.store.Lessons.ListByUser(r.Context(), user.ID, nil, nil)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}
	var lessons []store.Lesson
	var total, unpaid float64
	for _, l := range all {
		if l.StudentID == nil || *l.StudentID != student.ID {
			continue
		}
		lessons = append(lessons, l)
		total += l.Price()
		if !l.Paid && !l.AlreadyPaid {
			unpaid += l.Price()
		}
	}
	sort.Slice(lessons, func(i, j int) bool { return lessons[i].StartAt.After(lessons[j].StartAt) })

	currentMethod := ""
	if student.PaymentMethod != nil {
		currentMethod = string(*student.PaymentMethod)
	}
	data := map[string]any{
		"Title":          student.FullName(),
		"User":           user,
		"Student":        student,
		"CurrentMethod":  currentMethod,
		"Lessons":        lessons,
		"Total":          total,
		"UnpaidTotal":    unpaid,
		"PaymentMethods": []store.PaymentMethod{store.PayCash, store.PayElectronicTransfer, store.PayOtherDigital},
	}
	h.render(w, r, "student_detail.html", h.withFlash(r, data))
}

func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	student, err := studentFromForm(r)
	if err != nil {
		h.redirect(w, r, "/students", map[string]string{"error": err.Error()})
		return
	}
	student.UserID = user.ID

	if _, err := h.store.Students.Create(r.Context(), *student); err != nil {
		internalError(w, r, err, "failed to create student")
		return
	}
	h.redirect(w, r, "/students", map[string]string{"status": "Student added"})
}

func (h *Handler) UpdateStudent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid student id")
		return
	}
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	existing, err := h.store.Students.GetByID(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		internalError(w, r, err, "failed to load student")
		return
	}

	updated, err := studentFromForm(r)
	if err != nil {
		h.redirect(w, r, "/students", map[string]string{"error": err.Error()})
		return
	}
	updated.ID = existing.ID
	updated.UserID = user.ID
	updated.CreatedAt = existing.CreatedAt

	if err := h.store.Students.Update(r.Context(), *updated); err != nil {
		internalError(w, r, err, "failed to update student")
		return
	}
	h.redirect(w, r, "/students", map[string]string{"status": "Student updated"})
}

func (h *Handler) DeleteStudent(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := pathID(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid student id")
		return
	}

	if err := h.store.Students.Delete(r.Context(), user.ID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		internalError(w, r, err, "failed to delete student")
		return
	}
	h.redirect(w, r, "/students", map[string]string{"status": "Student removed"})
}

func studentFromForm(r *http.Request) (*store.Student, error) {
	first := strings.TrimSpace(r.FormValue("first_name"))
	last := strings.TrimSpace(r.FormValue("last_name"))
	if first == "" {
		return nil, errors.New("a first name is required")
	}

	s := &store.Student{FirstName: first, LastName: last}

	if m := r.FormValue("payment_method"); m != "" {
		if !store.ValidPaymentMethod(m) {
			return nil, errors.New("unknown payment method")
		}
		method := store.PaymentMethod(m)
		s.PaymentMethod = &method
	}

	if raw := strings.TrimSpace(r.FormValue("hourly_rate")); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil || rate < 0 {
			return nil, errors.New("invalid hourly rate")
		}
		s.HourlyRate = &rate
	}

	setOptional := func(field **string, name string) {
		if v := strings.TrimSpace(r.FormValue(name)); v != "" {
			*field = &v
		}
	}
	setOptional(&s.MotherFullname, "mother_fullname")
	setOptional(&s.MotherPlatform, "mother_platform")
	setOptional(&s.MotherContact, "mother_contact")
	setOptional(&s.Notes, "notes")

	return s, nil
}
