package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/gcal"
	"gitea.jw6.us/james/tutortrack/internal/secrets"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// --- in-memory repositories ---

type memStudents struct {
	mu     stdsync.Mutex
	nextID int64
	items  map[int64]store.Student
}

func newMemStudents() *memStudents { return &memStudents{items: make(map[int64]store.Student)} }

func (m *memStudents) Create(_ context.Context, s store.Student) (*store.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.items[s.ID] = s
	return &s, nil
}

func (m *memStudents) GetByID(_ context.Context, userID, id int64) (*store.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (m *memStudents) ListByUser(_ context.Context, userID int64) ([]store.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Student
	for _, s := range m.items {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStudents) FindByFullName(_ context.Context, userID int64, fullName string) (*store.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.UserID == userID && strings.EqualFold(s.FullName(), fullName) {
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStudents) Update(_ context.Context, s store.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return store.ErrNotFound
	}
	m.items[s.ID] = s
	return nil
}

func (m *memStudents) Delete(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.UserID != userID {
		return store.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type memLessons struct {
	mu     stdsync.Mutex
	nextID int64
	items  map[int64]store.Lesson
	links  *memLinks
}

func newMemLessons(links *memLinks) *memLessons {
	return &memLessons{items: make(map[int64]store.Lesson), links: links}
}

func (m *memLessons) Create(_ context.Context, l store.Lesson) (*store.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	l.ID = m.nextID
	m.items[l.ID] = l
	return &l, nil
}

func (m *memLessons) GetByID(_ context.Context, userID, id int64) (*store.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[id]
	if !ok || l.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (m *memLessons) ListByUser(_ context.Context, userID int64, _, _ *time.Time) ([]store.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Lesson
	for _, l := range m.items {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memLessons) FindUnlinkedByStudentAndStart(ctx context.Context, userID int64, studentName string, startAt time.Time) (*store.Lesson, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.items {
		if l.UserID != userID || !strings.EqualFold(l.StudentName, studentName) || !l.StartAt.Equal(startAt) {
			continue
		}
		if _, err := m.links.GetByLesson(ctx, userID, l.ID); errors.Is(err, store.ErrNotFound) {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memLessons) Update(_ context.Context, l store.Lesson) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[l.ID]; !ok {
		return store.ErrNotFound
	}
	m.items[l.ID] = l
	return nil
}

func (m *memLessons) SetPaid(_ context.Context, userID, id int64, paid bool, paidAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[id]
	if !ok || l.UserID != userID {
		return store.ErrNotFound
	}
	l.Paid = paid
	l.PaidAt = paidAt
	m.items[id] = l
	return nil
}

func (m *memLessons) Delete(_ context.Context, userID, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[id]
	if !ok || l.UserID != userID {
		return store.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type memLinks struct {
	mu     stdsync.Mutex
	nextID int64
	items  map[int64]store.CalendarLink
}

func newMemLinks() *memLinks { return &memLinks{items: make(map[int64]store.CalendarLink)} }

func (m *memLinks) Create(_ context.Context, link store.CalendarLink) (*store.CalendarLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	link.ID = m.nextID
	link.SyncedAt = time.Now()
	m.items[link.ID] = link
	return &link, nil
}

func (m *memLinks) GetByEvent(_ context.Context, userID int64, calendarID, eventID string) (*store.CalendarLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.items {
		if l.UserID == userID && l.CalendarID == calendarID && l.EventID == eventID {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memLinks) GetByLesson(_ context.Context, userID, lessonID int64) (*store.CalendarLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.items {
		if l.UserID == userID && l.LessonID == lessonID {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memLinks) TouchContent(_ context.Context, id int64, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.items[id]
	if !ok {
		return store.ErrNotFound
	}
	l.ContentHash = contentHash
	l.SyncedAt = time.Now()
	m.items[id] = l
	return nil
}

func (m *memLinks) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memLinks) DeleteByUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.items {
		if l.UserID == userID {
			delete(m.items, id)
		}
	}
	return nil
}

type memCreds struct {
	mu    stdsync.Mutex
	items map[int64]store.Credential
}

func newMemCreds() *memCreds { return &memCreds{items: make(map[int64]store.Credential)} }

func (m *memCreds) Get(_ context.Context, userID int64) (*store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *memCreds) GetByChannelID(_ context.Context, channelID string) (*store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.ChannelID != nil && *c.ChannelID == channelID {
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memCreds) ListWithChannel(_ context.Context) ([]store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Credential
	for _, c := range m.items {
		if c.ChannelID != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCreds) Upsert(_ context.Context, cred store.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.NeedsReconnect = false
	m.items[cred.UserID] = cred
	return nil
}

func (m *memCreds) UpdateToken(_ context.Context, userID int64, ciphertext []byte, expiry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.TokenCiphertext = ciphertext
	c.Expiry = expiry
	m.items[userID] = c
	return nil
}

func (m *memCreds) UpdateSyncToken(_ context.Context, userID int64, syncToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.SyncToken = syncToken
	m.items[userID] = c
	return nil
}

func (m *memCreds) UpdateChannel(_ context.Context, userID int64, channelID, resourceID *string, expires *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.ChannelID = channelID
	c.ResourceID = resourceID
	c.ChannelExpires = expires
	m.items[userID] = c
	return nil
}

func (m *memCreds) SetNeedsReconnect(_ context.Context, userID int64, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[userID]
	if !ok {
		return store.ErrNotFound
	}
	c.NeedsReconnect = v
	m.items[userID] = c
	return nil
}

func (m *memCreds) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[userID]; !ok {
		return store.ErrNotFound
	}
	delete(m.items, userID)
	return nil
}

// --- fake provider ---

type fakeCalendar struct {
	mu stdsync.Mutex

	nextEvent   int
	createCalls int
	created     []gcal.Event
	updated     map[string]gcal.Event
	deleted     []string

	createErrs []error
	updateErrs []error
	deltaErrs  []error

	delta        gcal.Delta
	fetchCursors []string

	refreshCount int
	refreshErr   error

	watchCount int
	stopped    []string
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{updated: make(map[string]gcal.Event)}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeCalendar) AuthCodeURL(state string) string {
	return "https://accounts.example.com/consent?state=" + state
}

func (f *fakeCalendar) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("empty code")
	}
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh-" + code}, nil
}

func (f *fakeCalendar) Refresh(_ context.Context, _ *oauth2.Token) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCount++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &oauth2.Token{AccessToken: fmt.Sprintf("refreshed-%d", f.refreshCount), RefreshToken: "refresh-kept"}, nil
}

func (f *fakeCalendar) VerifyIDToken(_ context.Context, _ *oauth2.Token) (string, error) {
	return "tutor@example.com", nil
}

func (f *fakeCalendar) Scopes() []string { return []string{"calendar.events"} }

func (f *fakeCalendar) CreateEvent(_ context.Context, _ *oauth2.Token, _ string, ev gcal.Event) (*gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err := popErr(&f.createErrs); err != nil {
		return nil, err
	}
	f.nextEvent++
	ev.ID = fmt.Sprintf("evt-%d", f.nextEvent)
	f.created = append(f.created, ev)
	return &ev, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ *oauth2.Token, _ string, eventID string, ev gcal.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.updateErrs); err != nil {
		return err
	}
	f.updated[eventID] = ev
	return nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ *oauth2.Token, _ string, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) FetchDelta(_ context.Context, _ *oauth2.Token, _ string, cursor string) (*gcal.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCursors = append(f.fetchCursors, cursor)
	if err := popErr(&f.deltaErrs); err != nil {
		return nil, err
	}
	d := f.delta
	return &d, nil
}

func (f *fakeCalendar) Watch(_ context.Context, _ *oauth2.Token, _ string, channelID, _ string) (*gcal.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCount++
	return &gcal.Channel{
		ID:         channelID,
		ResourceID: "res-" + channelID,
		Expiration: time.Now().Add(7 * 24 * time.Hour).UnixMilli(),
	}, nil
}

func (f *fakeCalendar) StopChannel(_ context.Context, _ *oauth2.Token, channelID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, channelID)
	return nil
}

func (f *fakeCalendar) createdEvents() []gcal.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gcal.Event(nil), f.created...)
}

func (f *fakeCalendar) createAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// --- fixture ---

type fixture struct {
	cal      *fakeCalendar
	students *memStudents
	lessons  *memLessons
	links    *memLinks
	creds    *memCreds
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		BaseURL:           "https://tutor.example.com",
		MaxLessonHours:    8,
		DefaultHourlyRate: 25,
	}

	links := newMemLinks()
	f := &fixture{
		cal:      newFakeCalendar(),
		students: newMemStudents(),
		lessons:  newMemLessons(links),
		links:    links,
		creds:    newMemCreds(),
	}
	st := &store.Store{
		Students:    f.students,
		Lessons:     f.lessons,
		Links:       f.links,
		Credentials: f.creds,
	}
	box := secrets.NewBox("0123456789abcdef0123456789abcdef")
	f.engine = NewEngine(cfg, f.cal, st, NewCredentials(f.creds, box), time.UTC)
	f.engine.sleep = func(time.Duration) {}
	return f
}

func (f *fixture) connect(t *testing.T, userID int64) {
	t.Helper()
	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"}
	if err := f.engine.creds.Save(context.Background(), userID, tok, "tutor@example.com", nil); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func (f *fixture) addLesson(t *testing.T, l store.Lesson) *store.Lesson {
	t.Helper()
	created, err := f.lessons.Create(context.Background(), l)
	if err != nil {
		t.Fatalf("seed lesson: %v", err)
	}
	return created
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

var testStart = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

// --- push ---

func TestPushLessonCreated(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}

	created := f.cal.createdEvents()
	if len(created) != 1 {
		t.Fatalf("created %d events, want 1", len(created))
	}
	if created[0].Summary != "Ripetizioni Mario Rossi" {
		t.Errorf("summary = %q", created[0].Summary)
	}

	link, err := f.links.GetByLesson(context.Background(), 1, lesson.ID)
	if err != nil {
		t.Fatalf("link not created: %v", err)
	}
	if link.EventID != "evt-1" {
		t.Errorf("link event = %q", link.EventID)
	}
	if link.ContentHash == "" {
		t.Error("link content hash is empty")
	}
}

func TestPushSkipsWhenNotConnected(t *testing.T) {
	f := newFixture(t)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(f.cal.createdEvents()) != 0 {
		t.Error("expected no provider calls without a credential")
	}
}

func TestPushRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.createErrs = []error{gcal.ErrAuthExpired}
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}
	if f.cal.refreshCount != 1 {
		t.Errorf("refresh count = %d, want 1", f.cal.refreshCount)
	}
	if len(f.cal.createdEvents()) != 1 {
		t.Fatal("event not created after refresh")
	}

	// The refreshed token must be the one persisted.
	_, tok, err := f.engine.creds.Load(context.Background(), 1)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if tok.AccessToken != "refreshed-1" {
		t.Errorf("stored access token = %q, want the refreshed one", tok.AccessToken)
	}
}

func TestPushSuspendsSyncWhenRefreshRevoked(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.createErrs = []error{gcal.ErrAuthExpired}
	f.cal.refreshErr = gcal.ErrAuthRevoked
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); !errors.Is(err, gcal.ErrAuthRevoked) {
		t.Fatalf("expected ErrAuthRevoked, got %v", err)
	}

	cred, err := f.creds.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if !cred.NeedsReconnect {
		t.Error("credential not flagged for reconnection")
	}

	// Further pushes are silently skipped until the user reconnects.
	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push while suspended: %v", err)
	}
	if len(f.cal.createdEvents()) != 0 {
		t.Error("expected no provider calls while suspended")
	}
}

func TestPushRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.engine.retryInitial = time.Millisecond
	f.cal.createErrs = []error{&gcal.TransientError{StatusCode: 503, Err: errors.New("upstream")}}
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitFor(t, func() bool {
		_, err := f.links.GetByLesson(context.Background(), 1, lesson.ID)
		return err == nil
	})
	if len(f.cal.createdEvents()) != 1 {
		t.Errorf("created %d events, want 1", len(f.cal.createdEvents()))
	}
}

func TestPushRetryExhaustionLeavesLessonIntact(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.engine.retryInitial = time.Millisecond
	// First synchronous attempt plus every background retry fails.
	for i := 0; i < f.engine.retryAttempts+1; i++ {
		f.cal.createErrs = append(f.cal.createErrs, &gcal.TransientError{StatusCode: 503, Err: errors.New("upstream")})
	}
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})

	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}

	waitFor(t, func() bool {
		return f.cal.createAttempts() == f.engine.retryAttempts+1
	})

	got, err := f.lessons.GetByID(context.Background(), 1, lesson.ID)
	if err != nil {
		t.Fatalf("lesson gone after abandoned push: %v", err)
	}
	if got.StudentName != "Mario Rossi" || !got.StartAt.Equal(testStart) || got.DurationMinutes != 60 {
		t.Errorf("lesson mutated: %+v", got)
	}
	if _, err := f.links.GetByLesson(context.Background(), 1, lesson.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("link lookup = %v, want not found", err)
	}
	if len(f.cal.createdEvents()) != 0 {
		t.Errorf("created %d events, want 0", len(f.cal.createdEvents()))
	}
}

func TestPushUpdateRecreatesDeletedEvent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID,
		EventID: "evt-gone", ContentHash: "stale",
	})
	f.cal.updateErrs = []error{gcal.ErrNotFound}

	if err := f.engine.PushLessonUpdated(context.Background(), lesson); err != nil {
		t.Fatalf("push update: %v", err)
	}

	link, err := f.links.GetByLesson(context.Background(), 1, lesson.ID)
	if err != nil {
		t.Fatalf("link missing: %v", err)
	}
	if link.EventID == "evt-gone" {
		t.Error("link still points at the deleted event")
	}
	if len(f.cal.createdEvents()) != 1 {
		t.Errorf("created %d events, want 1", len(f.cal.createdEvents()))
	}
}

func TestPushUpdateSkipsUnchangedLesson(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID,
		EventID: "evt-1", ContentHash: contentHash("Mario Rossi", testStart, 60),
	})

	if err := f.engine.PushLessonUpdated(context.Background(), lesson); err != nil {
		t.Fatalf("push update: %v", err)
	}
	if len(f.cal.updated) != 0 {
		t.Error("expected no provider update for an unchanged lesson")
	}
}

func TestPushLessonDeleted(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID, EventID: "evt-1",
	})

	if err := f.engine.PushLessonDeleted(context.Background(), 1, lesson.ID); err != nil {
		t.Fatalf("push delete: %v", err)
	}
	if len(f.cal.deleted) != 1 || f.cal.deleted[0] != "evt-1" {
		t.Errorf("deleted = %v, want [evt-1]", f.cal.deleted)
	}
	if _, err := f.links.GetByLesson(context.Background(), 1, lesson.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("link not removed")
	}
}

// --- pull ---

func TestPullCreatesLessonAndStudent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{{
			ID:      "ext-1",
			Summary: "Ripetizioni mario rossi",
			Start:   gcal.EventDateTime{DateTime: "2026-03-02T14:00:00Z"},
			End:     gcal.EventDateTime{DateTime: "2026-03-02T15:30:00Z"},
		}},
		NextSyncToken: "cursor-1",
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	student, err := f.students.FindByFullName(context.Background(), 1, "Mario Rossi")
	if err != nil {
		t.Fatalf("stub student not created: %v", err)
	}
	if student.FirstName != "Mario" || student.LastName != "Rossi" {
		t.Errorf("student = %q %q", student.FirstName, student.LastName)
	}

	lessons, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(lessons) != 1 {
		t.Fatalf("got %d lessons, want 1", len(lessons))
	}
	l := lessons[0]
	if l.DurationMinutes != 90 {
		t.Errorf("duration = %d, want 90", l.DurationMinutes)
	}
	if l.HourlyRate == nil || *l.HourlyRate != 25 {
		t.Errorf("hourly rate = %v, want the configured default", l.HourlyRate)
	}
	if l.Paid {
		t.Error("imported lesson must start unpaid")
	}
	if l.PaymentMethod == nil || *l.PaymentMethod != store.PayOtherDigital {
		t.Errorf("payment method = %v, want the other-digital default", l.PaymentMethod)
	}

	if _, err := f.links.GetByEvent(context.Background(), 1, gcal.PrimaryCalendarID, "ext-1"); err != nil {
		t.Errorf("link not created: %v", err)
	}

	cred, _ := f.creds.Get(context.Background(), 1)
	if cred.SyncToken != "cursor-1" {
		t.Errorf("sync token = %q, want cursor-1", cred.SyncToken)
	}
}

func TestPullRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.deltaErrs = []error{gcal.ErrAuthExpired}
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{{
			ID:      "ext-1",
			Summary: "Ripetizioni Mario Rossi",
			Start:   gcal.EventDateTime{DateTime: "2026-03-02T14:00:00Z"},
			End:     gcal.EventDateTime{DateTime: "2026-03-02T15:00:00Z"},
		}},
		NextSyncToken: "cursor-1",
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if f.cal.refreshCount != 1 {
		t.Errorf("refresh count = %d, want 1", f.cal.refreshCount)
	}
	// The 401'd fetch is retried exactly once with the fresh token.
	if len(f.cal.fetchCursors) != 2 {
		t.Fatalf("fetch attempts = %d, want 2", len(f.cal.fetchCursors))
	}

	_, tok, err := f.engine.creds.Load(context.Background(), 1)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	if tok.AccessToken != "refreshed-1" {
		t.Errorf("stored token = %q, want the refreshed one", tok.AccessToken)
	}

	lessons, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(lessons) != 1 {
		t.Errorf("got %d lessons, want the delta applied after refresh", len(lessons))
	}
}

func TestPullReplayedDeltaIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{{
			ID:      "ext-1",
			Summary: "Ripetizioni Mario Rossi",
			Start:   gcal.EventDateTime{DateTime: "2026-03-02T14:00:00Z"},
			End:     gcal.EventDateTime{DateTime: "2026-03-02T15:30:00Z"},
		}},
		NextSyncToken: "cursor-1",
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	first, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(first) != 1 {
		t.Fatalf("got %d lessons after first pull", len(first))
	}

	// The provider redelivers the identical batch.
	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("replayed pull: %v", err)
	}

	second, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(second) != 1 {
		t.Fatalf("got %d lessons after replay, want 1", len(second))
	}
	if second[0].ID != first[0].ID ||
		second[0].StudentName != first[0].StudentName ||
		!second[0].StartAt.Equal(first[0].StartAt) ||
		second[0].DurationMinutes != first[0].DurationMinutes {
		t.Errorf("lesson changed on replay: %+v vs %+v", second[0], first[0])
	}

	students, _ := f.students.ListByUser(context.Background(), 1)
	if len(students) != 1 {
		t.Errorf("got %d students after replay, want 1", len(students))
	}
	if link, err := f.links.GetByEvent(context.Background(), 1, gcal.PrimaryCalendarID, "ext-1"); err != nil {
		t.Errorf("link missing after replay: %v", err)
	} else if link.LessonID != first[0].ID {
		t.Errorf("link points at lesson %d, want %d", link.LessonID, first[0].ID)
	}
}

func TestPullAdoptsMatchingUnlinkedLesson(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{{
			ID:      "ext-1",
			Summary: "Ripetizioni Mario Rossi",
			Start:   gcal.EventDateTime{DateTime: "2026-03-02T14:00:00Z"},
			End:     gcal.EventDateTime{DateTime: "2026-03-02T15:00:00Z"},
		}},
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	lessons, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(lessons) != 1 {
		t.Fatalf("got %d lessons, want the existing one adopted", len(lessons))
	}
	link, err := f.links.GetByLesson(context.Background(), 1, lesson.ID)
	if err != nil {
		t.Fatalf("existing lesson not linked: %v", err)
	}
	if link.EventID != "ext-1" {
		t.Errorf("link event = %q", link.EventID)
	}
}

func TestPullIgnoresOwnPushEcho(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	if err := f.engine.PushLessonCreated(context.Background(), lesson); err != nil {
		t.Fatalf("push: %v", err)
	}

	echo := f.cal.createdEvents()[0]
	f.cal.delta = gcal.Delta{Changed: []gcal.Event{echo}}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}
	lessons, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(lessons) != 1 {
		t.Fatalf("echo created a duplicate: %d lessons", len(lessons))
	}
}

func TestPullUpdatesLinkedLessonKeepingBilling(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	rate := 30.0
	lesson := f.addLesson(t, store.Lesson{
		UserID: 1, StudentName: "Mario Rossi", StartAt: testStart,
		DurationMinutes: 60, HourlyRate: &rate, Paid: true,
	})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID,
		EventID: "ext-1", ContentHash: contentHash("Mario Rossi", testStart, 60),
	})

	// The event moved an hour later and grew to two hours.
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{{
			ID:      "ext-1",
			Summary: "Ripetizioni Mario Rossi",
			Start:   gcal.EventDateTime{DateTime: "2026-03-02T15:00:00Z"},
			End:     gcal.EventDateTime{DateTime: "2026-03-02T17:00:00Z"},
		}},
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	got, err := f.lessons.GetByID(context.Background(), 1, lesson.ID)
	if err != nil {
		t.Fatalf("lesson: %v", err)
	}
	if !got.StartAt.Equal(testStart.Add(time.Hour)) {
		t.Errorf("start = %v", got.StartAt)
	}
	if got.DurationMinutes != 120 {
		t.Errorf("duration = %d, want 120", got.DurationMinutes)
	}
	if !got.Paid || got.HourlyRate == nil || *got.HourlyRate != 30 {
		t.Error("billing fields must survive a calendar edit")
	}
}

func TestPullAppliesDeletion(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID, EventID: "ext-1",
	})
	f.cal.delta = gcal.Delta{DeletedIDs: []string{"ext-1", "never-seen"}}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if _, err := f.lessons.GetByID(context.Background(), 1, lesson.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("lesson not removed")
	}
	if _, err := f.links.GetByLesson(context.Background(), 1, lesson.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("link not removed")
	}
}

func TestPullIgnoresNonLessonEvents(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.cal.delta = gcal.Delta{
		Changed: []gcal.Event{
			{
				ID:      "ext-1",
				Summary: "Team meeting",
				Start:   gcal.EventDateTime{DateTime: "2026-03-02T14:00:00Z"},
				End:     gcal.EventDateTime{DateTime: "2026-03-02T15:00:00Z"},
			},
			{
				ID:      "ext-2",
				Summary: "Ripetizioni Mario",
				Start:   gcal.EventDateTime{Date: "2026-03-02"},
				End:     gcal.EventDateTime{Date: "2026-03-03"},
			},
		},
	}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}
	lessons, _ := f.lessons.ListByUser(context.Background(), 1, nil, nil)
	if len(lessons) != 0 {
		t.Errorf("got %d lessons from non-lesson events", len(lessons))
	}
}

func TestPullRecoversFromExpiredCursor(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	f.creds.UpdateSyncToken(context.Background(), 1, "stale-cursor")
	f.cal.deltaErrs = []error{gcal.ErrGone}
	f.cal.delta = gcal.Delta{NextSyncToken: "fresh-cursor"}

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}

	if len(f.cal.fetchCursors) != 2 || f.cal.fetchCursors[0] != "stale-cursor" || f.cal.fetchCursors[1] != "" {
		t.Errorf("fetch cursors = %v, want [stale-cursor \"\"]", f.cal.fetchCursors)
	}
	cred, _ := f.creds.Get(context.Background(), 1)
	if cred.SyncToken != "fresh-cursor" {
		t.Errorf("sync token = %q, want fresh-cursor", cred.SyncToken)
	}
}

func TestPullDroppedWhileUserBusy(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)

	l := f.engine.lockFor(1)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := f.engine.PullChanges(context.Background(), 1); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(f.cal.fetchCursors) != 0 {
		t.Error("busy pull still reached the provider")
	}
}

// --- connect / disconnect ---

func TestConnectStoresCredentialAndWatch(t *testing.T) {
	f := newFixture(t)

	if err := f.engine.Connect(context.Background(), 1, "authcode"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	cred, err := f.creds.Get(context.Background(), 1)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if cred.ConnectedEmail == nil || *cred.ConnectedEmail != "tutor@example.com" {
		t.Errorf("connected email = %v", cred.ConnectedEmail)
	}
	if cred.ChannelID == nil || !strings.HasPrefix(*cred.ChannelID, "user_1_") {
		t.Errorf("channel id = %v", cred.ChannelID)
	}

	// Initial import runs asynchronously.
	waitFor(t, func() bool {
		f.cal.mu.Lock()
		defer f.cal.mu.Unlock()
		return len(f.cal.fetchCursors) > 0
	})
}

func TestDisconnectKeepsLessons(t *testing.T) {
	f := newFixture(t)
	f.connect(t, 1)
	ch, res := "chan-1", "res-1"
	f.creds.UpdateChannel(context.Background(), 1, &ch, &res, nil)
	lesson := f.addLesson(t, store.Lesson{UserID: 1, StudentName: "Mario Rossi", StartAt: testStart, DurationMinutes: 60})
	f.links.Create(context.Background(), store.CalendarLink{
		UserID: 1, LessonID: lesson.ID, CalendarID: gcal.PrimaryCalendarID, EventID: "evt-1",
	})

	if err := f.engine.Disconnect(context.Background(), 1); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	if len(f.cal.stopped) != 1 || f.cal.stopped[0] != "chan-1" {
		t.Errorf("stopped channels = %v", f.cal.stopped)
	}
	if _, err := f.creds.Get(context.Background(), 1); !errors.Is(err, store.ErrNotFound) {
		t.Error("credential not removed")
	}
	if _, err := f.links.GetByLesson(context.Background(), 1, lesson.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("link not removed")
	}
	if _, err := f.lessons.GetByID(context.Background(), 1, lesson.ID); err != nil {
		t.Error("lessons must survive a disconnect")
	}
}
