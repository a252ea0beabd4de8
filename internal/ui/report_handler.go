package ui

import (
	"context"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/auth"
	httperrors "gitea.jw6.us/james/tutortrack/internal/http/errors"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// studentReport aggregates a student's lessons inside the report window.
type studentReport struct {
	StudentName string
	StudentID   int64
	Lessons     []store.Lesson
	Total       float64
	UnpaidTotal float64
	UnpaidCount int
}

func (h *Handler) Reports(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	from, to := h.monthRange(r)
	lessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, &from, &to)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}

	byStudent := make(map[string]*studentReport)
	for _, l := range lessons {
		rep, ok := byStudent[l.StudentName]
		if !ok {
			rep = &studentReport{StudentName: l.StudentName}
			if l.StudentID != nil {
				rep.StudentID = *l.StudentID
			}
			byStudent[l.StudentName] = rep
		}
		rep.Lessons = append(rep.Lessons, l)
		rep.Total += l.Price()
		if !l.Paid && !l.AlreadyPaid {
			rep.UnpaidCount++
			rep.UnpaidTotal += l.Price()
		}
	}

	reports := make([]*studentReport, 0, len(byStudent))
	var grandTotal, grandUnpaid float64
	for _, rep := range byStudent {
		sort.Slice(rep.Lessons, func(i, j int) bool {
			return rep.Lessons[i].StartAt.Before(rep.Lessons[j].StartAt)
		})
		reports = append(reports, rep)
		grandTotal += rep.Total
		grandUnpaid += rep.UnpaidTotal
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].StudentName < reports[j].StudentName
	})

	data := map[string]any{
		"Title":       "Reports",
		"User":        user,
		"Reports":     reports,
		"GrandTotal":  grandTotal,
		"GrandUnpaid": grandUnpaid,
		"From":        from,
		"PrevMonth":   from.AddDate(0, -1, 0).Format("2006-01"),
		"NextMonth":   from.AddDate(0, 1, 0).Format("2006-01"),
		"Month":       from.Format("January 2006"),
	}
	h.render(w, r, "reports.html", h.withFlash(r, data))
}

// MarkStudentPaid settles all of a student's unpaid lessons in the selected
// month at once and books one combined expense-tracker transaction.
func (h *Handler) MarkStudentPaid(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	if err := r.ParseForm(); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid form")
		return
	}

	studentID, err := strconv.ParseInt(r.FormValue("student_id"), 10, 64)
	if err != nil || studentID <= 0 {
		httperrors.BadRequestError(w, r, err, "invalid student")
		return
	}
	month := r.FormValue("month")

	from, to := h.monthRange(r)
	if month != "" {
		if parsed, perr := time.ParseInLocation("2006-01", month, h.location); perr == nil {
			from = parsed
			to = from.AddDate(0, 1, 0)
		}
	}

	lessons, err := h.store.Lessons.ListByUser(r.Context(), user.ID, &from, &to)
	if err != nil {
		internalError(w, r, err, "failed to load lessons")
		return
	}

	now := time.Now()
	var settled []store.Lesson
	var total float64
	var studentName string
	for _, l := range lessons {
		if l.StudentID == nil || *l.StudentID != studentID || l.Paid || l.AlreadyPaid {
			continue
		}
		if err := h.store.Lessons.SetPaid(r.Context(), user.ID, l.ID, true, &now); err != nil {
			internalError(w, r, err, "failed to mark lessons paid")
			return
		}
		settled = append(settled, l)
		total += l.Price()
		studentName = l.StudentName
	}

	if len(settled) == 0 {
		h.redirect(w, r, "/reports", map[string]string{
			"status": "No unpaid lessons to settle",
			"month":  month,
		})
		return
	}

	if h.fintrack != nil && h.fintrack.Enabled() && total > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.fintrack.RecordBulkPayment(ctx, studentName, settled, total, now); err != nil {
				log.Printf("[WARN] exporting bulk payment for student %d: %v", studentID, err)
			}
		}()
	}

	h.redirect(w, r, "/reports", map[string]string{
		"status": strconv.Itoa(len(settled)) + " lesson(s) marked as paid",
		"month":  month,
	})
}
