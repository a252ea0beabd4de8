// Package fintrack exports lesson payments to an external FinTrack expense
// tracker. All operations are best effort: a failure never blocks the
// payment change that triggered it.
package fintrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

const (
	incomeType      = "Income"
	lessonsCategory = "Ripetizioni"
)

// Client posts transactions to a FinTrack instance.
type Client struct {
	cfg     *config.Config
	http    *http.Client
	baseURL string
}

// New builds the exporter. Use Enabled to check configuration before calling
// the record methods.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 5 * time.Second},
		baseURL: cfg.FinTrack.URL,
	}
}

// Enabled reports whether the exporter is configured.
func (c *Client) Enabled() bool {
	return c.cfg.FinTrackEnabled()
}

type addTransactionRequest struct {
	UserID       int64   `json:"userId"`
	Amount       float64 `json:"amount"`
	Type         string  `json:"type"`
	CategoryName string  `json:"categoryName"`
	Notes        string  `json:"notes"`
	Date         string  `json:"date"`
}

type deleteTransactionRequest struct {
	Date         string `json:"date"`
	CategoryName string `json:"categoryName"`
	Notes        string `json:"notes"`
}

// RecordLessonPayment books the lesson's price as income on the payment
// date.
func (c *Client) RecordLessonPayment(ctx context.Context, lesson *store.Lesson, paidAt time.Time) error {
	if !c.Enabled() {
		return nil
	}
	accountID, err := strconv.ParseInt(c.cfg.FinTrack.AccountID, 10, 64)
	if err != nil {
		return fmt.Errorf("fintrack: FINTRACK_ACCOUNT_ID must be numeric: %w", err)
	}

	req := addTransactionRequest{
		UserID:       accountID,
		Amount:       math.Abs(lesson.Price()),
		Type:         incomeType,
		CategoryName: lessonsCategory,
		Notes:        LessonNotes(lesson),
		Date:         paidAt.Format("2006-01-02"),
	}
	return c.post(ctx, "/api/transactions/addTransactionFromShortcut", req)
}

// RemoveLessonPayment deletes the transaction written by RecordLessonPayment
// when a lesson is flipped back to unpaid. paidAt must be the date the
// transaction was originally recorded with.
func (c *Client) RemoveLessonPayment(ctx context.Context, lesson *store.Lesson, paidAt time.Time) error {
	if !c.Enabled() {
		return nil
	}
	req := deleteTransactionRequest{
		Date:         paidAt.Format("2006-01-02"),
		CategoryName: lessonsCategory,
		Notes:        LessonNotes(lesson),
	}
	return c.post(ctx, "/api/transactions/delete-by-details", req)
}

// RecordBulkPayment books one combined transaction for several lessons of
// the same student settled together.
func (c *Client) RecordBulkPayment(ctx context.Context, studentName string, lessons []store.Lesson, total float64, paidAt time.Time) error {
	if !c.Enabled() || len(lessons) == 0 {
		return nil
	}
	accountID, err := strconv.ParseInt(c.cfg.FinTrack.AccountID, 10, 64)
	if err != nil {
		return fmt.Errorf("fintrack: FINTRACK_ACCOUNT_ID must be numeric: %w", err)
	}

	req := addTransactionRequest{
		UserID:       accountID,
		Amount:       math.Abs(total),
		Type:         incomeType,
		CategoryName: lessonsCategory,
		Notes:        bulkNotes(studentName, lessons),
		Date:         paidAt.Format("2006-01-02"),
	}
	return c.post(ctx, "/api/transactions/addTransactionFromShortcut", req)
}

// LessonNotes is the transaction identifier for a single lesson. Creation
// and deletion must produce the same string for delete-by-details to match.
func LessonNotes(l *store.Lesson) string {
	notes := fmt.Sprintf("%s - %s", l.StudentName, l.StartAt.Format("02/01/2006 15:04"))
	if l.PaymentMethod != nil {
		notes += fmt.Sprintf(" (%s)", *l.PaymentMethod)
	}
	return notes
}

func bulkNotes(studentName string, lessons []store.Lesson) string {
	if len(lessons) == 1 {
		return fmt.Sprintf("%s - 1 lesson(s) (%s)", studentName, lessons[0].StartAt.Format("02/01/2006"))
	}
	first := lessons[0].StartAt
	last := lessons[len(lessons)-1].StartAt
	return fmt.Sprintf("%s - %d lesson(s) (%s - %s)",
		studentName, len(lessons), first.Format("02/01"), last.Format("02/01/2006"))
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("fintrack: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fintrack: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.FinTrack.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fintrack: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fintrack: %s: status %d: %s", path, resp.StatusCode, msg)
	}
	return nil
}
