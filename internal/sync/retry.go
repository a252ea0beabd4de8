package sync

import (
	"context"
	"errors"
	"log"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/tutortrack/internal/gcal"
	"gitea.jw6.us/james/tutortrack/internal/metrics"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// retryAsync re-attempts a push in the background with doubling delays. It
// gives up when the user disconnects, sync is suspended, or the error stops
// being transient.
func (e *Engine) retryAsync(userID int64, op string, fn func(context.Context, *oauth2.Token) error) {
	go func() {
		delay := e.retryInitial
		for attempt := 1; attempt <= e.retryAttempts; attempt++ {
			e.sleep(delay)

			ctx := context.Background()
			cred, tok, err := e.creds.Load(ctx, userID)
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			if err != nil {
				log.Printf("[ERROR] retrying calendar %s for user %d: %v", op, userID, err)
				return
			}
			if cred.NeedsReconnect {
				return
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
				return
			case gcal.IsTransient(err):
				log.Printf("[WARN] calendar %s for user %d still failing (attempt %d/%d): %v",
					op, userID, attempt, e.retryAttempts, err)
			default:
				metrics.CountPush(op, "error")
				log.Printf("[ERROR] calendar %s for user %d failed permanently: %v", op, userID, err)
				return
			}

			delay *= 2
			if delay > e.retryMaxDelay {
				delay = e.retryMaxDelay
			}
		}
		metrics.CountPush(op, "abandoned")
		log.Printf("[ERROR] calendar %s for user %d abandoned after %d attempts", op, userID, e.retryAttempts)
	}()
}
