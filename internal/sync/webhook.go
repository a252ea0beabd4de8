package sync

import (
	"context"
	"errors"
	"log"
	"net/http"
	stdsync "sync"
	"time"

	"gitea.jw6.us/james/tutortrack/internal/metrics"
	"gitea.jw6.us/james/tutortrack/internal/store"
)

// debounceWindow coalesces duplicate notifications for the same channel and
// state arriving in quick succession.
const debounceWindow = 2 * time.Second

// WebhookHandler receives Google push notifications. It always answers 200:
// any other status makes the provider retry and eventually disable the
// channel.
type WebhookHandler struct {
	engine *Engine
	creds  store.CredentialRepository

	mu   stdsync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewWebhookHandler builds the receiver for calendar push notifications.
func NewWebhookHandler(engine *Engine, creds store.CredentialRepository) *WebhookHandler {
	return &WebhookHandler{
		engine: engine,
		creds:  creds,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	state := r.Header.Get("X-Goog-Resource-State")

	// Ack no matter what; the body is never meaningful for calendar pushes.
	defer w.WriteHeader(http.StatusOK)

	if channelID == "" {
		metrics.CountWebhook("malformed")
		return
	}

	// The initial handshake after watch carries state "sync".
	if state == "sync" {
		metrics.CountWebhook("handshake")
		return
	}

	if h.debounced(channelID, state) {
		metrics.CountWebhook("debounced")
		return
	}

	cred, err := h.creds.GetByChannelID(r.Context(), channelID)
	if errors.Is(err, store.ErrNotFound) {
		// A stale channel from before a reconnect; harmless.
		log.Printf("[INFO] calendar notification for unknown channel %q ignored", channelID)
		metrics.CountWebhook("unknown-channel")
		return
	}
	if err != nil {
		log.Printf("[ERROR] resolving calendar channel %q: %v", channelID, err)
		metrics.CountWebhook("error")
		return
	}

	metrics.CountWebhook("accepted")
	userID := cred.UserID
	go func() {
		if err := h.engine.PullChanges(context.Background(), userID); err != nil {
			log.Printf("[ERROR] calendar pull for user %d: %v", userID, err)
		}
	}()
}

// debounced records the notification and reports whether an identical one
// was already seen inside the window. The map is pruned as it is consulted.
func (h *WebhookHandler) debounced(channelID, state string) bool {
	key := channelID + "|" + state
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	for k, t := range h.seen {
		if now.Sub(t) > debounceWindow {
			delete(h.seen, k)
		}
	}
	if t, ok := h.seen[key]; ok && now.Sub(t) <= debounceWindow {
		return true
	}
	h.seen[key] = now
	return false
}
