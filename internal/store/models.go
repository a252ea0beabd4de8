package store

import (
	"strings"
	"time"
)

// PaymentMethod is how a student settles a lesson.
type PaymentMethod string

const (
	PayCash               PaymentMethod = "cash"
	PayElectronicTransfer PaymentMethod = "electronic-transfer"
	PayOtherDigital       PaymentMethod = "other-digital"
)

// ValidPaymentMethod reports whether s is one of the known payment methods.
func ValidPaymentMethod(s string) bool {
	switch PaymentMethod(s) {
	case PayCash, PayElectronicTransfer, PayOtherDigital:
		return true
	}
	return false
}

// User is the tutor account owning all other records.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	APITokenHash *string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
}

// Student is a tutee with billing preferences.
type Student struct {
	ID             int64
	UserID         int64
	FirstName      string
	LastName       string
	PaymentMethod  *PaymentMethod
	HourlyRate     *float64
	MotherFullname *string
	MotherPlatform *string
	MotherContact  *string
	Notes          *string
	CreatedAt      time.Time
}

// FullName joins first and last name, omitting an empty last name.
func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// Lesson is a scheduled tutoring session.
type Lesson struct {
	ID              int64
	UserID          int64
	StudentID       *int64
	StudentName     string
	StartAt         time.Time
	DurationMinutes int
	HourlyRate      *float64
	PaymentMethod   *PaymentMethod
	Paid            bool
	PaidAt          *time.Time
	// AlreadyPaid marks lessons settled outside the app; they are never
	// exported to the expense tracker.
	AlreadyPaid bool
	CreatedAt   time.Time
}

// EndAt is the lesson end derived from start and duration.
func (l Lesson) EndAt() time.Time {
	return l.StartAt.Add(time.Duration(l.DurationMinutes) * time.Minute)
}

// Price is the lesson cost from its hourly rate, zero when no rate is set.
func (l Lesson) Price() float64 {
	if l.HourlyRate == nil {
		return 0
	}
	return *l.HourlyRate * float64(l.DurationMinutes) / 60.0
}

// CalendarLink ties one lesson to one external calendar event.
type CalendarLink struct {
	ID          int64
	UserID      int64
	LessonID    int64
	CalendarID  string
	EventID     string
	ContentHash string
	SyncedAt    time.Time
}

// Credential holds a user's encrypted Google tokens and sync state.
type Credential struct {
	UserID          int64
	TokenCiphertext []byte
	Expiry          *time.Time
	Scopes          []string
	ConnectedEmail  *string
	ChannelID       *string
	ResourceID      *string
	ChannelExpires  *time.Time
	SyncToken       string
	// NeedsReconnect is set when a token refresh fails; sync is suspended
	// until the user re-consents.
	NeedsReconnect bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
