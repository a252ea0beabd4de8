package sync

import (
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/gcal"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

func testMapper(t *testing.T) *Mapper {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return &Mapper{MaxDuration: 8 * time.Hour, Location: loc}
}

func timedEvent(id, summary, start, end string) gcal.Event {
	return gcal.Event{
		ID:      id,
		Summary: summary,
		Start:   gcal.EventDateTime{DateTime: start},
		End:     gcal.EventDateTime{DateTime: end},
	}
}

func TestEventToLesson(t *testing.T) {
	m := testMapper(t)

	tests := []struct {
		name        string
		event       gcal.Event
		wantStudent string
		wantNil     bool
		wantErr     bool
	}{
		{
			name:        "ripetizioni title",
			event:       timedEvent("e1", "Ripetizioni mario rossi", "2026-03-02T15:00:00+01:00", "2026-03-02T16:00:00+01:00"),
			wantStudent: "Mario Rossi",
		},
		{
			name:        "lesson colon title",
			event:       timedEvent("e2", "Lesson: Anna Bianchi", "2026-03-02T15:00:00+01:00", "2026-03-02T16:30:00+01:00"),
			wantStudent: "Anna Bianchi",
		},
		{
			name:        "lesson without colon",
			event:       timedEvent("e3", "lesson luca", "2026-03-02T10:00:00Z", "2026-03-02T11:00:00Z"),
			wantStudent: "Luca",
		},
		{
			name:        "case insensitive prefix",
			event:       timedEvent("e4", "RIPETIZIONI GIULIA VERDI", "2026-03-02T10:00:00Z", "2026-03-02T11:00:00Z"),
			wantStudent: "Giulia Verdi",
		},
		{
			name:    "unrelated title",
			event:   timedEvent("e5", "Dentist appointment", "2026-03-02T10:00:00Z", "2026-03-02T11:00:00Z"),
			wantNil: true,
		},
		{
			name:    "prefix inside the title does not count",
			event:   timedEvent("e6", "Prepare Ripetizioni Mario", "2026-03-02T10:00:00Z", "2026-03-02T11:00:00Z"),
			wantNil: true,
		},
		{
			name: "all-day event",
			event: gcal.Event{
				ID:      "e7",
				Summary: "Ripetizioni Mario",
				Start:   gcal.EventDateTime{Date: "2026-03-02"},
				End:     gcal.EventDateTime{Date: "2026-03-03"},
			},
			wantNil: true,
		},
		{
			name:    "zero duration",
			event:   timedEvent("e8", "Ripetizioni Mario", "2026-03-02T10:00:00Z", "2026-03-02T10:00:00Z"),
			wantErr: true,
		},
		{
			name:    "end before start",
			event:   timedEvent("e9", "Ripetizioni Mario", "2026-03-02T11:00:00Z", "2026-03-02T10:00:00Z"),
			wantErr: true,
		},
		{
			name:    "longer than the maximum",
			event:   timedEvent("e10", "Ripetizioni Mario", "2026-03-02T08:00:00Z", "2026-03-03T08:00:00Z"),
			wantErr: true,
		},
		{
			name:    "unparseable start",
			event:   timedEvent("e11", "Ripetizioni Mario", "yesterday", "2026-03-02T10:00:00Z"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.EventToLesson(&tt.event)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("expected nil, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("expected a parsed event, got nil")
			}
			if got.StudentName != tt.wantStudent {
				t.Errorf("student = %q, want %q", got.StudentName, tt.wantStudent)
			}
			if got.EventID != tt.event.ID {
				t.Errorf("event id = %q, want %q", got.EventID, tt.event.ID)
			}
		})
	}
}

func TestEventToLessonDurationAndLessonID(t *testing.T) {
	m := testMapper(t)

	ev := timedEvent("e1", "Ripetizioni Mario Rossi", "2026-03-02T15:00:00+01:00", "2026-03-02T16:30:00+01:00")
	ev.ExtendedProperties = gcal.LessonProperties(42)

	got, err := m.EventToLesson(&ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.DurationMinutes() != 90 {
		t.Errorf("duration = %d minutes, want 90", got.DurationMinutes())
	}
	if got.LessonID != 42 {
		t.Errorf("lesson id = %d, want 42", got.LessonID)
	}

	want := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	if !got.Start.Equal(want) {
		t.Errorf("start = %v, want %v", got.Start, want)
	}
}

func TestLessonToEvent(t *testing.T) {
	m := testMapper(t)

	lesson := &store.Lesson{
		ID:              7,
		StudentName:     "Mario Rossi",
		StartAt:         time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 90,
	}
	ev := m.LessonToEvent(lesson)

	if ev.Summary != "Ripetizioni Mario Rossi" {
		t.Errorf("summary = %q", ev.Summary)
	}
	if ev.Start.DateTime != "2026-03-02T15:00:00+01:00" {
		t.Errorf("start = %q", ev.Start.DateTime)
	}
	if ev.End.DateTime != "2026-03-02T16:30:00+01:00" {
		t.Errorf("end = %q", ev.End.DateTime)
	}
	if ev.Start.TimeZone != "Europe/Rome" {
		t.Errorf("timezone = %q", ev.Start.TimeZone)
	}
	if ev.LessonIDProperty() != "7" {
		t.Errorf("lesson id property = %q, want \"7\"", ev.LessonIDProperty())
	}
}

func TestLessonRoundTrip(t *testing.T) {
	m := testMapper(t)

	lesson := &store.Lesson{
		ID:              3,
		StudentName:     "Anna Bianchi",
		StartAt:         time.Date(2026, 4, 10, 16, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	}
	ev := m.LessonToEvent(lesson)
	ev.ID = "evt-roundtrip"

	got, err := m.EventToLesson(&ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.StudentName != lesson.StudentName {
		t.Errorf("student = %q, want %q", got.StudentName, lesson.StudentName)
	}
	if !got.Start.Equal(lesson.StartAt) {
		t.Errorf("start = %v, want %v", got.Start, lesson.StartAt)
	}
	if got.DurationMinutes() != lesson.DurationMinutes {
		t.Errorf("duration = %d, want %d", got.DurationMinutes(), lesson.DurationMinutes)
	}
	if got.LessonID != lesson.ID {
		t.Errorf("lesson id = %d, want %d", got.LessonID, lesson.ID)
	}
}

func TestFormatStudentName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"mario rossi", "Mario Rossi"},
		{"  anna   bianchi ", "Anna Bianchi"},
		{"LUCA", "Luca"},
		{"de luca", "De Luca"},
		{"élena rossi", "Élena Rossi"},
		{"ömer yılmaz", "Ömer Yılmaz"},
		{"чехов антон", "Чехов Антон"},
	}
	for _, tt := range tests {
		if got := FormatStudentName(tt.in); got != tt.want {
			t.Errorf("FormatStudentName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		// Re-normalizing an already-normalized name must not change it;
		// every pull runs names through here again.
		if again := FormatStudentName(tt.want); again != tt.want {
			t.Errorf("FormatStudentName(%q) = %q, not idempotent", tt.want, again)
		}
	}
}

func TestSplitFullName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"Mario Rossi", "Mario", "Rossi"},
		{"Anna Maria Bianchi", "Anna Maria", "Bianchi"},
		{"Luca", "Luca", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		first, last := SplitFullName(tt.in)
		if first != tt.first || last != tt.last {
			t.Errorf("SplitFullName(%q) = (%q, %q), want (%q, %q)", tt.in, first, last, tt.first, tt.last)
		}
	}
}

func TestInvalidDurationErrorIsRecognizable(t *testing.T) {
	m := testMapper(t)
	ev := timedEvent("e1", "Ripetizioni Mario", "2026-03-02T10:00:00Z", "2026-03-02T10:00:00Z")
	_, err := m.EventToLesson(&ev)
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
}
