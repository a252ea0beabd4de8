package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/tutortrack/internal/config"
	"gitea.jw6.us/james/tutortrack/internal/gcal"
	"gitea.jw6.us/james/tutortrack/internal/metrics"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// Calendar is the provider surface the engine drives. *gcal.Client satisfies
// it; tests substitute a fake.
type Calendar interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
	VerifyIDToken(ctx context.Context, tok *oauth2.Token) (string, error)
	Scopes() []string

	CreateEvent(ctx context.Context, tok *oauth2.Token, calendarID string, ev gcal.Event) (*gcal.Event, error)
	UpdateEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string, ev gcal.Event) error
	DeleteEvent(ctx context.Context, tok *oauth2.Token, calendarID, eventID string) error
	FetchDelta(ctx context.Context, tok *oauth2.Token, calendarID, cursor string) (*gcal.Delta, error)
	Watch(ctx context.Context, tok *oauth2.Token, calendarID, channelID, address string) (*gcal.Channel, error)
	StopChannel(ctx context.Context, tok *oauth2.Token, channelID, resourceID string) error
}

// channelRenewalWindow triggers renewal when a watch channel expires within
// this horizon.
const channelRenewalWindow = 24 * time.Hour

// Engine coordinates bidirectional sync between lessons and the user's
// calendar. Per-user operations are serialized: pushes queue behind each
// other, while a pull that finds the user busy is dropped (the next
// notification or the running pass will cover it).
type Engine struct {
	cfg    *config.Config
	cal    Calendar
	store  *store.Store
	creds  *Credentials
	mapper *Mapper

	mu    stdsync.Mutex
	locks map[int64]*userLock

	// retry knobs, overridable in tests
	retryInitial  time.Duration
	retryMaxDelay time.Duration
	retryAttempts int
	sleep         func(time.Duration)
}

type userLock struct {
	mu stdsync.Mutex
}

// NewEngine wires the sync engine. loc is the timezone exported events are
// rendered in.
func NewEngine(cfg *config.Config, cal Calendar, st *store.Store, creds *Credentials, loc *time.Location) *Engine {
	return &Engine{
		cfg:   cfg,
		cal:   cal,
		store: st,
		creds: creds,
		mapper: &Mapper{
			MaxDuration: time.Duration(cfg.MaxLessonHours * float64(time.Hour)),
			Location:    loc,
		},
		locks:         make(map[int64]*userLock),
		retryInitial:  30 * time.Second,
		retryMaxDelay: 8 * time.Minute,
		retryAttempts: 5,
		sleep:         time.Sleep,
	}
}

// Mapper exposes the engine's event translation, for handlers that need it.
func (e *Engine) Mapper() *Mapper { return e.mapper }

func (e *Engine) lockFor(userID int64) *userLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &userLock{}
		e.locks[userID] = l
	}
	return l
}

// AuthCodeURL is the consent URL to send a connecting user to.
func (e *Engine) AuthCodeURL(state string) string {
	return e.cal.AuthCodeURL(state)
}

// Connect completes the OAuth flow: exchanges the authorization code,
// verifies the account identity, stores sealed tokens, registers a watch
// channel and kicks off an initial import.
func (e *Engine) Connect(ctx context.Context, userID int64, code string) error {
	tok, err := e.cal.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("connect user %d: %w", userID, err)
	}

	email, err := e.cal.VerifyIDToken(ctx, tok)
	if err != nil {
		return fmt.Errorf("connect user %d: %w", userID, err)
	}

	if err := e.creds.Save(ctx, userID, tok, email, e.cal.Scopes()); err != nil {
		return fmt.Errorf("connect user %d: store credential: %w", userID, err)
	}

	if err := e.EnsureWatch(ctx, userID); err != nil {
		// The connection itself succeeded; sync still works via manual
		// refresh until the renewer picks the channel up.
		log.Printf("[WARN] calendar watch registration failed for user %d: %v", userID, err)
	}

	go func() {
		if err := e.PullChanges(context.Background(), userID); err != nil {
			log.Printf("[WARN] initial calendar import failed for user %d: %v", userID, err)
		}
	}()
	return nil
}

// Disconnect severs the calendar connection: stops the watch channel,
// forgets tokens and drops all event links. Lessons are kept.
func (e *Engine) Disconnect(ctx context.Context, userID int64) error {
	cred, tok, err := e.creds.Load(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		// Credential row exists but cannot be unsealed; still tear it down.
		log.Printf("[WARN] disconnect user %d: %v", userID, err)
	default:
		if cred.ChannelID != nil && cred.ResourceID != nil {
			if err := e.cal.StopChannel(ctx, tok, *cred.ChannelID, *cred.ResourceID); err != nil {
				log.Printf("[WARN] stopping watch channel for user %d: %v", userID, err)
			}
		}
	}

	if err := e.store.Links.DeleteByUser(ctx, userID); err != nil {
		return fmt.Errorf("disconnect user %d: drop links: %w", userID, err)
	}
	if err := e.store.Credentials.Delete(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("disconnect user %d: drop credential: %w", userID, err)
	}
	return nil
}

// EnsureWatch registers (or renews) the push notification channel for a
// user. A channel still valid beyond the renewal window is left alone.
func (e *Engine) EnsureWatch(ctx context.Context, userID int64) error {
	cred, tok, err := e.creds.Load(ctx, userID)
	if err != nil {
		return err
	}
	if cred.NeedsReconnect {
		return gcal.ErrAuthRevoked
	}

	if cred.ChannelID != nil && cred.ChannelExpires != nil &&
		time.Until(*cred.ChannelExpires) > channelRenewalWindow {
		return nil
	}

	if cred.ChannelID != nil && cred.ResourceID != nil {
		if err := e.cal.StopChannel(ctx, tok, *cred.ChannelID, *cred.ResourceID); err != nil {
			log.Printf("[WARN] stopping stale channel for user %d: %v", userID, err)
		}
	}

	channelID := fmt.Sprintf("user_%d_%s", userID, uuid.NewString()[:8])
	var ch *gcal.Channel
	_, err = e.withRefresh(ctx, userID, tok, func(t *oauth2.Token) error {
		var werr error
		ch, werr = e.cal.Watch(ctx, t, gcal.PrimaryCalendarID, channelID, e.cfg.WebhookURL())
		return werr
	})
	if err != nil {
		return fmt.Errorf("watch calendar for user %d: %w", userID, err)
	}

	var expires *time.Time
	if ch.Expiration > 0 {
		t := time.UnixMilli(ch.Expiration)
		expires = &t
	}
	return e.store.Credentials.UpdateChannel(ctx, userID, &ch.ID, &ch.ResourceID, expires)
}

// PushLessonCreated exports a new lesson as a calendar event and links the
// two. Not connected is not an error; a transient provider failure is
// retried in the background.
func (e *Engine) PushLessonCreated(ctx context.Context, lesson *store.Lesson) error {
	return e.push(ctx, lesson.UserID, "create", func(ctx context.Context, tok *oauth2.Token) error {
		return e.pushCreate(ctx, lesson.UserID, tok, lesson)
	})
}

// PushLessonUpdated propagates lesson edits to the linked event. A lesson
// without a link (created while disconnected) is exported as new.
func (e *Engine) PushLessonUpdated(ctx context.Context, lesson *store.Lesson) error {
	return e.push(ctx, lesson.UserID, "update", func(ctx context.Context, tok *oauth2.Token) error {
		link, err := e.store.Links.GetByLesson(ctx, lesson.UserID, lesson.ID)
		if errors.Is(err, store.ErrNotFound) {
			return e.pushCreate(ctx, lesson.UserID, tok, lesson)
		}
		if err != nil {
			return err
		}

		hash := contentHash(lesson.StudentName, lesson.StartAt, lesson.DurationMinutes)
		if hash == link.ContentHash {
			return nil
		}
		if err := e.cal.UpdateEvent(ctx, tok, link.CalendarID, link.EventID, e.mapper.LessonToEvent(lesson)); err != nil {
			if errors.Is(err, gcal.ErrNotFound) {
				// Event deleted out from under us; recreate.
				if derr := e.store.Links.Delete(ctx, link.ID); derr != nil {
					return derr
				}
				return e.pushCreate(ctx, lesson.UserID, tok, lesson)
			}
			return err
		}
		return e.store.Links.TouchContent(ctx, link.ID, hash)
	})
}

// PushLessonDeleted removes the linked event. Call it before deleting the
// lesson row so the link can still be resolved.
func (e *Engine) PushLessonDeleted(ctx context.Context, userID, lessonID int64) error {
	return e.push(ctx, userID, "delete", func(ctx context.Context, tok *oauth2.Token) error {
		link, err := e.store.Links.GetByLesson(ctx, userID, lessonID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.cal.DeleteEvent(ctx, tok, link.CalendarID, link.EventID); err != nil {
			return err
		}
		return e.store.Links.Delete(ctx, link.ID)
	})
}

func (e *Engine) pushCreate(ctx context.Context, userID int64, tok *oauth2.Token, lesson *store.Lesson) error {
	// Guard against double export when a retry races a webhook echo.
	if _, err := e.store.Links.GetByLesson(ctx, userID, lesson.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	created, err := e.cal.CreateEvent(ctx, tok, gcal.PrimaryCalendarID, e.mapper.LessonToEvent(lesson))
	if err != nil {
		return err
	}
	_, err = e.store.Links.Create(ctx, store.CalendarLink{
		UserID:      userID,
		LessonID:    lesson.ID,
		CalendarID:  gcal.PrimaryCalendarID,
		EventID:     created.ID,
		ContentHash: contentHash(lesson.StudentName, lesson.StartAt, lesson.DurationMinutes),
	})
	return err
}

// push wraps one outbound operation: skip when not connected, serialize per
// user, refresh on an expired token, and hand transient failures to the
// background retrier.
func (e *Engine) push(ctx context.Context, userID int64, op string, fn func(context.Context, *oauth2.Token) error) error {
	cred, tok, err := e.creds.Load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.CountPush(op, "error")
		return err
	}
	if cred.NeedsReconnect {
		metrics.CountPush(op, "skipped")
		return nil
	}

	l := e.lockFor(userID)
	l.mu.Lock()
	_, err = e.withRefresh(ctx, userID, tok, func(t *oauth2.Token) error {
		return fn(ctx, t)
	})
	l.mu.Unlock()

	switch {
	case err == nil:
		metrics.CountPush(op, "ok")
		return nil
	case gcal.IsTransient(err):
		metrics.CountPush(op, "retrying")
		log.Printf("[WARN] calendar %s for user %d failed, will retry: %v", op, userID, err)
		e.retryAsync(userID, op, fn)
		return nil
	default:
		metrics.CountPush(op, "error")
		return fmt.Errorf("calendar %s for user %d: %w", op, userID, err)
	}
}

// PullChanges imports the provider's changes since the stored cursor. If
// another pass for the same user is already running the call is dropped.
func (e *Engine) PullChanges(ctx context.Context, userID int64) error {
	l := e.lockFor(userID)
	if !l.mu.TryLock() {
		metrics.CountPull("dropped")
		return nil
	}
	defer l.mu.Unlock()

	cred, tok, err := e.creds.Load(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		metrics.CountPull("error")
		return err
	}
	if cred.NeedsReconnect {
		metrics.CountPull("skipped")
		return nil
	}

	cursor := cred.SyncToken
	var delta *gcal.Delta
	tok, err = e.withRefresh(ctx, userID, tok, func(t *oauth2.Token) error {
		var ferr error
		delta, ferr = e.cal.FetchDelta(ctx, t, gcal.PrimaryCalendarID, cursor)
		if errors.Is(ferr, gcal.ErrGone) {
			// Cursor expired upstream; fall back to a full window list.
			cursor = ""
			delta, ferr = e.cal.FetchDelta(ctx, t, gcal.PrimaryCalendarID, "")
		}
		return ferr
	})
	if err != nil {
		metrics.CountPull("error")
		return fmt.Errorf("fetch changes for user %d: %w", userID, err)
	}

	for i := range delta.Changed {
		if err := e.applyEvent(ctx, userID, &delta.Changed[i]); err != nil {
			metrics.CountPull("error")
			return fmt.Errorf("apply event %s for user %d: %w", delta.Changed[i].ID, userID, err)
		}
	}
	for _, eventID := range delta.DeletedIDs {
		if err := e.applyDeletion(ctx, userID, eventID); err != nil {
			metrics.CountPull("error")
			return fmt.Errorf("apply deletion %s for user %d: %w", eventID, userID, err)
		}
	}

	// Commit the cursor only after the whole batch landed.
	if delta.NextSyncToken != "" && delta.NextSyncToken != cred.SyncToken {
		if err := e.store.Credentials.UpdateSyncToken(ctx, userID, delta.NextSyncToken); err != nil {
			metrics.CountPull("error")
			return fmt.Errorf("store cursor for user %d: %w", userID, err)
		}
	}
	metrics.CountPull("ok")
	return nil
}

// applyEvent reconciles one changed event against the lesson book.
func (e *Engine) applyEvent(ctx context.Context, userID int64, ev *gcal.Event) error {
	parsed, err := e.mapper.EventToLesson(ev)
	if err != nil {
		log.Printf("[WARN] skipping malformed event for user %d: %v", userID, err)
		metrics.CountEventApplied("skipped")
		return nil
	}
	if parsed == nil {
		metrics.CountEventApplied("ignored")
		return nil
	}

	link, err := e.store.Links.GetByEvent(ctx, userID, gcal.PrimaryCalendarID, ev.ID)
	switch {
	case err == nil:
		return e.applyToLinked(ctx, userID, link, parsed)
	case errors.Is(err, store.ErrNotFound):
		return e.applyUnlinked(ctx, userID, parsed)
	default:
		return err
	}
}

// applyToLinked updates the calendar-owned fields of an already linked
// lesson. Billing fields are never touched from the calendar side.
func (e *Engine) applyToLinked(ctx context.Context, userID int64, link *store.CalendarLink, parsed *ParsedEvent) error {
	hash := contentHash(parsed.StudentName, parsed.Start, parsed.DurationMinutes())
	if hash == link.ContentHash {
		metrics.CountEventApplied("unchanged")
		return nil
	}

	lesson, err := e.store.Lessons.GetByID(ctx, userID, link.LessonID)
	if err != nil {
		return err
	}
	lesson.StudentName = parsed.StudentName
	lesson.StartAt = parsed.Start
	lesson.DurationMinutes = parsed.DurationMinutes()
	if err := e.store.Lessons.Update(ctx, *lesson); err != nil {
		return err
	}
	if err := e.store.Links.TouchContent(ctx, link.ID, hash); err != nil {
		return err
	}
	metrics.CountEventApplied("updated")
	return nil
}

// applyUnlinked handles an event with no link yet: re-link a lesson we
// pushed ourselves, adopt a matching unlinked lesson, or create lesson and
// student from scratch.
func (e *Engine) applyUnlinked(ctx context.Context, userID int64, parsed *ParsedEvent) error {
	if parsed.LessonID != 0 {
		// Our own push echoing back. Relink if the link got lost, else
		// nothing to do.
		lesson, err := e.store.Lessons.GetByID(ctx, userID, parsed.LessonID)
		if errors.Is(err, store.ErrNotFound) {
			return e.createFromEvent(ctx, userID, parsed)
		}
		if err != nil {
			return err
		}
		if _, err := e.store.Links.GetByLesson(ctx, userID, lesson.ID); err == nil {
			metrics.CountEventApplied("ignored")
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return e.linkLesson(ctx, userID, lesson.ID, parsed, "relinked")
	}

	lesson, err := e.store.Lessons.FindUnlinkedByStudentAndStart(ctx, userID, parsed.StudentName, parsed.Start)
	switch {
	case err == nil:
		return e.linkLesson(ctx, userID, lesson.ID, parsed, "adopted")
	case errors.Is(err, store.ErrNotFound):
		return e.createFromEvent(ctx, userID, parsed)
	default:
		return err
	}
}

func (e *Engine) linkLesson(ctx context.Context, userID, lessonID int64, parsed *ParsedEvent, action string) error {
	_, err := e.store.Links.Create(ctx, store.CalendarLink{
		UserID:      userID,
		LessonID:    lessonID,
		CalendarID:  gcal.PrimaryCalendarID,
		EventID:     parsed.EventID,
		ContentHash: contentHash(parsed.StudentName, parsed.Start, parsed.DurationMinutes()),
	})
	if err != nil {
		return err
	}
	metrics.CountEventApplied(action)
	return nil
}

// createFromEvent books a new lesson for an externally created event,
// creating a stub student when the name is unknown.
func (e *Engine) createFromEvent(ctx context.Context, userID int64, parsed *ParsedEvent) error {
	student, err := e.store.Students.FindByFullName(ctx, userID, parsed.StudentName)
	if errors.Is(err, store.ErrNotFound) {
		first, last := SplitFullName(parsed.StudentName)
		student, err = e.store.Students.Create(ctx, store.Student{
			UserID:    userID,
			FirstName: first,
			LastName:  last,
		})
	}
	if err != nil {
		return err
	}

	lesson := store.Lesson{
		UserID:          userID,
		StudentID:       &student.ID,
		StudentName:     parsed.StudentName,
		StartAt:         parsed.Start,
		DurationMinutes: parsed.DurationMinutes(),
		PaymentMethod:   student.PaymentMethod,
	}
	if lesson.PaymentMethod == nil {
		method := store.PayOtherDigital
		lesson.PaymentMethod = &method
	}
	switch {
	case student.HourlyRate != nil:
		lesson.HourlyRate = student.HourlyRate
	case e.cfg.DefaultHourlyRate > 0:
		rate := e.cfg.DefaultHourlyRate
		lesson.HourlyRate = &rate
	}

	created, err := e.store.Lessons.Create(ctx, lesson)
	if err != nil {
		return err
	}
	return e.linkLesson(ctx, userID, created.ID, parsed, "created")
}

func (e *Engine) applyDeletion(ctx context.Context, userID int64, eventID string) error {
	link, err := e.store.Links.GetByEvent(ctx, userID, gcal.PrimaryCalendarID, eventID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.CountEventApplied("ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.store.Lessons.Delete(ctx, userID, link.LessonID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err := e.store.Links.Delete(ctx, link.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	metrics.CountEventApplied("deleted")
	return nil
}

// withRefresh runs fn with the given token and, when it comes back expired,
// refreshes once, persists the new token and retries. A refresh that is
// rejected for good flags the credential for reconnection.
func (e *Engine) withRefresh(ctx context.Context, userID int64, tok *oauth2.Token, fn func(*oauth2.Token) error) (*oauth2.Token, error) {
	err := fn(tok)
	if !errors.Is(err, gcal.ErrAuthExpired) {
		return tok, err
	}

	fresh, rerr := e.cal.Refresh(ctx, tok)
	if rerr != nil {
		if errors.Is(rerr, gcal.ErrAuthRevoked) {
			log.Printf("[WARN] calendar access revoked for user %d, sync suspended", userID)
			if serr := e.store.Credentials.SetNeedsReconnect(ctx, userID, true); serr != nil {
				log.Printf("[ERROR] flagging credential for user %d: %v", userID, serr)
			}
		}
		return tok, rerr
	}

	if serr := e.creds.UpdateToken(ctx, userID, fresh); serr != nil {
		return tok, serr
	}
	return fresh, fn(fresh)
}

// contentHash fingerprints the event-visible fields of a lesson so both
// directions can tell a real change from an echo.
func contentHash(studentName string, start time.Time, durationMinutes int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", studentName, start.UTC().Format(time.RFC3339), durationMinutes))
	return hex.EncodeToString(sum[:])
}
