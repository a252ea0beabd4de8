package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for tutor accounts.
type UserRepository interface {
	Create(ctx context.Context, email, passwordHash string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByAPITokenHash(ctx context.Context, tokenHash string) (*User, error)
	SetAPITokenHash(ctx context.Context, id int64, tokenHash string) error
	TouchLastLogin(ctx context.Context, id int64) error
}

// StudentRepository handles the student roster.
type StudentRepository interface {
	Create(ctx context.Context, s Student) (*Student, error)
	GetByID(ctx context.Context, userID, id int64) (*Student, error)
	ListByUser(ctx context.Context, userID int64) ([]Student, error)
	// FindByFullName matches "first last" case-insensitively.
	FindByFullName(ctx context.Context, userID int64, fullName string) (*Student, error)
	Update(ctx context.Context, s Student) error
	Delete(ctx context.Context, userID, id int64) error
}

// LessonRepository handles lesson storage.
type LessonRepository interface {
	Create(ctx context.Context, l Lesson) (*Lesson, error)
	GetByID(ctx context.Context, userID, id int64) (*Lesson, error)
	ListByUser(ctx context.Context, userID int64, from, to *time.Time) ([]Lesson, error)
	// FindUnlinkedByStudentAndStart locates a lesson with no calendar link,
	// used to adopt externally created events that mirror an app lesson.
	FindUnlinkedByStudentAndStart(ctx context.Context, userID int64, studentName string, startAt time.Time) (*Lesson, error)
	Update(ctx context.Context, l Lesson) error
	SetPaid(ctx context.Context, userID, id int64, paid bool, paidAt *time.Time) error
	Delete(ctx context.Context, userID, id int64) error
}

// CalendarLinkRepository maintains the lesson-to-event linkage table.
type CalendarLinkRepository interface {
	Create(ctx context.Context, link CalendarLink) (*CalendarLink, error)
	GetByEvent(ctx context.Context, userID int64, calendarID, eventID string) (*CalendarLink, error)
	GetByLesson(ctx context.Context, userID, lessonID int64) (*CalendarLink, error)
	TouchContent(ctx context.Context, id int64, contentHash string) error
	Delete(ctx context.Context, id int64) error
	DeleteByUser(ctx context.Context, userID int64) error
}

// CredentialRepository stores encrypted provider tokens and sync state.
type CredentialRepository interface {
	Get(ctx context.Context, userID int64) (*Credential, error)
	GetByChannelID(ctx context.Context, channelID string) (*Credential, error)
	// ListWithChannel returns all credentials with an active watch channel,
	// for renewal sweeps.
	ListWithChannel(ctx context.Context) ([]Credential, error)
	Upsert(ctx context.Context, cred Credential) error
	UpdateToken(ctx context.Context, userID int64, ciphertext []byte, expiry *time.Time) error
	UpdateSyncToken(ctx context.Context, userID int64, syncToken string) error
	UpdateChannel(ctx context.Context, userID int64, channelID, resourceID *string, expires *time.Time) error
	SetNeedsReconnect(ctx context.Context, userID int64, v bool) error
	Delete(ctx context.Context, userID int64) error
}
