package answers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/session"
)

// SessionSource exposes the session snapshot and its change notifications.
type SessionSource interface {
	Snapshot() *session.Session
	Changes() <-chan struct{}
}

// Countdown drives the automatic submit triggers for one participant. Each
// tick recomputes the remaining time from the wall clock, so a paused or late
// tick corrects itself on the next one.
type Countdown struct {
	cache       *Cache
	source      SessionSource
	code        string
	participant string

	// Interval between ticks. Defaults to one second.
	Interval time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// OnTick receives the remaining seconds while the session is open.
	OnTick func(remaining int)
	// OnChange receives each snapshot the countdown evaluates.
	OnChange func(s *session.Session)
	// Refresh, when set, is called every RefreshInterval to pull the session
	// from the server. Without it the countdown only sees pushed updates.
	Refresh func(ctx context.Context)
	// RefreshInterval defaults to two seconds.
	RefreshInterval time.Duration
}

// NewCountdown creates a countdown for participant in the session code.
func NewCountdown(cache *Cache, source SessionSource, code, participant string) *Countdown {
	return &Countdown{
		cache:       cache,
		source:      source,
		code:        session.CanonicalCode(code),
		participant: participant,
		Interval:    time.Second,
		Now:         time.Now,
	}
}

// Run evaluates the triggers on every tick and snapshot change. It returns
// nil once the participant's answers are submitted, or ctx.Err().
func (c *Countdown) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	var refresh <-chan time.Time
	if c.Refresh != nil {
		interval := c.RefreshInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		refreshTicker := time.NewTicker(interval)
		defer refreshTicker.Stop()
		refresh = refreshTicker.C
	}

	log.Debug().Str("code", c.code).Str("participant", c.participant).Msg("countdown started")

	for {
		c.Evaluate(ctx)
		if c.cache.Submitted(ctx, c.code, c.participant) {
			log.Debug().Str("code", c.code).Str("participant", c.participant).Msg("countdown finished")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.source.Changes():
		case <-refresh:
			c.Refresh(ctx)
		}
	}
}

// Evaluate checks both automatic triggers once against the current snapshot.
func (c *Countdown) Evaluate(ctx context.Context) {
	s := c.source.Snapshot()
	if s == nil || s.Code != c.code {
		return
	}

	if c.OnChange != nil {
		c.OnChange(s)
	}

	if s.State == session.StateClosed {
		c.cache.OnSessionUpdate(ctx, s, c.participant)
		return
	}
	if s.State != session.StateOpen {
		return
	}

	remaining := session.CalculateRemaining(s, c.Now())
	if c.OnTick != nil {
		c.OnTick(remaining)
	}

	if remaining <= 0 && len(c.cache.Pending(ctx, c.code, c.participant)) > 0 {
		c.cache.AutoSubmit(ctx, c.code, c.participant, "timer")
	}
}
