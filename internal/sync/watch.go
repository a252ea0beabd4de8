package sync

import (
	"context"
	"log"
	"time"
)

// Renewer keeps watch channels alive. Channels expire after at most a week;
// a sweep each hour renews any that expire within the next day.
type Renewer struct {
	engine   *Engine
	interval time.Duration
}

// NewRenewer builds the channel renewal sweeper.
func NewRenewer(engine *Engine) *Renewer {
	return &Renewer{engine: engine, interval: time.Hour}
}

// Run sweeps until the context is cancelled. Call it from a goroutine.
func (r *Renewer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Renewer) sweep(ctx context.Context) {
	creds, err := r.engine.store.Credentials.ListWithChannel(ctx)
	if err != nil {
		log.Printf("[ERROR] listing watch channels: %v", err)
		return
	}

	for _, cred := range creds {
		if cred.NeedsReconnect {
			continue
		}
		if cred.ChannelExpires != nil && time.Until(*cred.ChannelExpires) > channelRenewalWindow {
			continue
		}
		if err := r.engine.EnsureWatch(ctx, cred.UserID); err != nil {
			log.Printf("[WARN] renewing watch channel for user %d: %v", cred.UserID, err)
		}
	}
}
