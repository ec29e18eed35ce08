package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/app"
	"github.com/wolfeidau/pollsync/internal/session"
)

type WatchCmd struct {
	Code     string        `arg:"" help:"Session code"`
	Creator  bool          `help:"Only watch a session created with this creator id"`
	Interval time.Duration `help:"Re-fetch interval when push is unavailable" default:"2s"`
}

func (w *WatchCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	route := "/session/" + session.CanonicalCode(w.Code)
	if w.Creator {
		route = "/master/" + session.CanonicalCode(w.Code)
	}

	a, ctx, err := globals.openGuarded(ctx, true, route)
	if err != nil {
		return err
	}
	defer a.Close()

	get := a.Sessions.Get
	if w.Creator {
		get = a.Sessions.GetMine
	}

	s, err := get(ctx, w.Code)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", w.Code, err)
	}
	printSession(s)

	return watchSession(ctx, a, s.Code, w.Interval)
}

// watchSession prints every snapshot change and the countdown until the
// session is deleted or ctx is done.
func watchSession(ctx context.Context, a *app.App, code string, interval time.Duration) error {
	lastRemaining := -1

	err := follow(ctx, a, code, interval, func(s *session.Session) bool {
		if s == nil {
			fmt.Printf("Session %s was deleted\n", code)
			return true
		}

		if s.State == session.StateOpen {
			if remaining := session.CalculateRemaining(s, time.Now()); remaining != lastRemaining {
				lastRemaining = remaining
				fmt.Printf("  %s remaining: %ds, votes: %d\n", s.Code, remaining, s.VoteCount)
			}
		}
		return false
	}, printSession)

	return exitErr(ctx, err)
}

// follow calls tick for the current snapshot every second and changed for
// each snapshot change, until either returns done or ctx ends. Without a
// connected push channel the session is re-fetched every interval.
func follow(ctx context.Context, a *app.App, code string, interval time.Duration, tick func(*session.Session) bool, changed func(*session.Session)) error {
	code = session.CanonicalCode(code)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	refetch := time.NewTicker(interval)
	defer refetch.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-a.Sessions.Changes():
			s := a.Sessions.Snapshot()
			if s != nil && changed != nil {
				changed(s)
			}
			if tick(s) {
				return nil
			}

		case <-ticker.C:
			if tick(a.Sessions.Snapshot()) {
				return nil
			}

		case <-refetch.C:
			if err := pull(ctx, a, code); err != nil {
				if errors.Is(err, session.ErrNotFound) {
					tick(nil)
					return nil
				}
				log.Debug().Err(err).Str("code", code).Msg("re-fetch failed")
			}
		}
	}
}

// pull re-fetches the session unless a connected push channel is already
// delivering its updates.
func pull(ctx context.Context, a *app.App, code string) error {
	if a.Push != nil && a.Push.Connected() {
		return nil
	}
	_, err := a.Sessions.Fetch(ctx, code)
	return err
}
