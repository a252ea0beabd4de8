package sync

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gitea.jw6.us/james/tutortrack/internal/gcal"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// titlePattern recognizes the event titles that denote lessons. Both the
// "Ripetizioni <name>" and "Lesson: <name>" conventions are accepted; the
// remainder of the title is the student name.
var titlePattern = regexp.MustCompile(`^(?i)(ripetizioni|lesson:?)\s+(.+)$`)

// ErrInvalidDuration rejects events whose duration is non-positive or
// implausibly long.
var ErrInvalidDuration = fmt.Errorf("sync: event duration out of range")

// Mapper translates between lessons and calendar events.
type Mapper struct {
	// MaxDuration bounds the accepted lesson length when importing events.
	MaxDuration time.Duration
	// Location is the timezone lessons are rendered in when exported.
	Location *time.Location
}

// ParsedEvent is the lesson-shaped content of a calendar event.
type ParsedEvent struct {
	EventID     string
	StudentName string
	Start       time.Time
	Duration    time.Duration
	// LessonID is the id embedded by a previous push, zero for events
	// created externally.
	LessonID int64
}

// DurationMinutes is the parsed duration in whole minutes.
func (p *ParsedEvent) DurationMinutes() int {
	return int(p.Duration / time.Minute)
}

// LessonToEvent renders a lesson as a calendar event. The lesson id travels
// in a private extended property so the event can be recognized after a
// round trip regardless of title edits.
func (m *Mapper) LessonToEvent(l *store.Lesson) gcal.Event {
	start := l.StartAt.In(m.Location)
	end := l.EndAt().In(m.Location)
	return gcal.Event{
		Summary: "Ripetizioni " + l.StudentName,
		Start: gcal.EventDateTime{
			DateTime: start.Format(time.RFC3339),
			TimeZone: m.Location.String(),
		},
		End: gcal.EventDateTime{
			DateTime: end.Format(time.RFC3339),
			TimeZone: m.Location.String(),
		},
		ExtendedProperties: gcal.LessonProperties(l.ID),
	}
}

// EventToLesson extracts lesson content from an event. Events that are not
// lessons (all-day, cancelled without content, or an unrecognized title)
// yield (nil, nil); structurally broken lesson events yield an error.
func (m *Mapper) EventToLesson(ev *gcal.Event) (*ParsedEvent, error) {
	if ev.IsAllDay() {
		return nil, nil
	}
	match := titlePattern.FindStringSubmatch(strings.TrimSpace(ev.Summary))
	if match == nil {
		return nil, nil
	}

	start, err := parseEventTime(ev.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s: start: %w", ev.ID, err)
	}
	end, err := parseEventTime(ev.End)
	if err != nil {
		return nil, fmt.Errorf("event %s: end: %w", ev.ID, err)
	}

	dur := end.Sub(start)
	if dur <= 0 || dur > m.MaxDuration {
		return nil, fmt.Errorf("event %s: %w (%v)", ev.ID, ErrInvalidDuration, dur)
	}

	parsed := &ParsedEvent{
		EventID:     ev.ID,
		StudentName: FormatStudentName(match[2]),
		Start:       start,
		Duration:    dur.Round(time.Minute),
	}
	if raw := ev.LessonIDProperty(); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			parsed.LessonID = id
		}
	}
	return parsed, nil
}

func parseEventTime(dt gcal.EventDateTime) (time.Time, error) {
	if dt.DateTime == "" {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// FormatStudentName normalizes a name scraped from an event title:
// whitespace collapsed, each word capitalized.
func FormatStudentName(raw string) string {
	words := strings.Fields(raw)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// SplitFullName partitions a full name into first and last: the final word
// is the last name, everything before it the first. A single word is all
// first name.
func SplitFullName(full string) (first, last string) {
	words := strings.Fields(full)
	switch len(words) {
	case 0:
		return "", ""
	case 1:
		return words[0], ""
	default:
		return strings.Join(words[:len(words)-1], " "), words[len(words)-1]
	}
}
