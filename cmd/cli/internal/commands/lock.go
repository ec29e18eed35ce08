package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/tablock"
)

type LockCmd struct {
	Route    string        `help:"Route this instance is on" default:"/dashboard"`
	Duration time.Duration `help:"Stop after this long; zero runs until interrupted"`
}

func (l *LockCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	if l.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, l.Duration)
		defer cancel()
	}

	a, err := globals.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	identity := a.Identity.Current(ctx)
	if identity == "" {
		log.Warn().Msg("no identity established, the lock never engages for guests")
	}

	fmt.Printf("Tab %s on %s as %q\n", a.Lock.TabID(), l.Route, identity)

	if err := a.Lock.Start(ctx, l.Route); err != nil {
		return fmt.Errorf("failed to start tab lock: %w", err)
	}
	defer a.Lock.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-a.Lock.Changes():
			fmt.Printf("[%s] %s\n", time.Now().Format(time.TimeOnly), state)
			if state == tablock.Blocked {
				fmt.Println("  This account is active in another instance. Close it to continue here.")
			}
		}
	}
}
