package gcal

import "strconv"

// Wire types for the Google Calendar v3 REST API. Only the fields this
// application reads or writes are declared.

// EventDateTime is either a timed (DateTime) or all-day (Date) boundary.
type EventDateTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// ExtendedProperties carries app-private key/value metadata on an event.
type ExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

// Event is a calendar event as returned by events.list/insert/patch.
type Event struct {
	ID                 string              `json:"id,omitempty"`
	Status             string              `json:"status,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Description        string              `json:"description,omitempty"`
	Start              EventDateTime       `json:"start,omitempty"`
	End                EventDateTime       `json:"end,omitempty"`
	Updated            string              `json:"updated,omitempty"`
	ExtendedProperties *ExtendedProperties `json:"extendedProperties,omitempty"`
}

// LessonIDProperty returns the lesson id this application embedded on the
// event at push time, or "" when absent.
func (e *Event) LessonIDProperty() string {
	if e.ExtendedProperties == nil {
		return ""
	}
	return e.ExtendedProperties.Private[lessonIDPropertyKey]
}

// IsAllDay reports whether the event uses date-only boundaries.
func (e *Event) IsAllDay() bool {
	return e.Start.Date != "" || e.End.Date != ""
}

const lessonIDPropertyKey = "tutortrackLessonId"

// LessonProperties builds the private metadata that tags an event as
// belonging to a lesson.
func LessonProperties(lessonID int64) *ExtendedProperties {
	return &ExtendedProperties{Private: map[string]string{
		lessonIDPropertyKey: strconv.FormatInt(lessonID, 10),
	}}
}

// Delta is one incremental-sync window: changed events, deleted external
// ids, and the cursor to resume from.
type Delta struct {
	Changed       []Event
	DeletedIDs    []string
	NextSyncToken string
}

// Channel describes a push notification channel registered with watch.
type Channel struct {
	ID         string
	ResourceID string
	// Expiration is milliseconds since epoch, as reported by the provider.
	Expiration int64
}

type eventListResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
	NextSyncToken string  `json:"nextSyncToken"`
}

type watchRequest struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Address string `json:"address"`
}

type watchResponse struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}
