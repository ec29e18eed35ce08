package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/pollsync/internal/app"
	"github.com/wolfeidau/pollsync/internal/session"
)

type HostCmd struct {
	Launch  HostLaunchCmd  `cmd:"" help:"Open the session and start its timer"`
	Close   HostCloseCmd   `cmd:"" help:"Stop accepting votes"`
	Results HostResultsCmd `cmd:"" help:"Close the session and show results"`
	Exit    HostExitCmd    `cmd:"" help:"Close the session without showing results"`
	Delete  HostDeleteCmd  `cmd:"" help:"Delete the session"`
}

type HostArgs struct {
	Code string `arg:"" help:"Session code"`
}

type HostLaunchCmd struct{ HostArgs }

func (h *HostLaunchCmd) Run(ctx context.Context, globals *Globals) error {
	return hostAction(ctx, globals, h.Code, "launch", func(ctx context.Context, a *app.App) bool {
		return a.Sessions.Launch(ctx, h.Code)
	})
}

type HostCloseCmd struct{ HostArgs }

func (h *HostCloseCmd) Run(ctx context.Context, globals *Globals) error {
	return hostAction(ctx, globals, h.Code, "close", func(ctx context.Context, a *app.App) bool {
		return a.Sessions.ClosePoll(ctx, h.Code)
	})
}

type HostResultsCmd struct{ HostArgs }

func (h *HostResultsCmd) Run(ctx context.Context, globals *Globals) error {
	return hostAction(ctx, globals, h.Code, "show results for", func(ctx context.Context, a *app.App) bool {
		return a.Sessions.ShowResults(ctx, h.Code)
	})
}

type HostExitCmd struct{ HostArgs }

func (h *HostExitCmd) Run(ctx context.Context, globals *Globals) error {
	return hostAction(ctx, globals, h.Code, "exit", func(ctx context.Context, a *app.App) bool {
		return a.Sessions.ExitWithoutResults(ctx, h.Code)
	})
}

type HostDeleteCmd struct{ HostArgs }

func (h *HostDeleteCmd) Run(ctx context.Context, globals *Globals) error {
	return hostAction(ctx, globals, h.Code, "delete", func(ctx context.Context, a *app.App) bool {
		return a.Sessions.DeleteSession(ctx, h.Code)
	})
}

func hostAction(ctx context.Context, globals *Globals, code, verb string, action func(ctx context.Context, a *app.App) bool) error {
	if globals.CreatorID == "" {
		return fmt.Errorf("--creator-id is required to %s a session", verb)
	}

	a, ctx, err := globals.openGuarded(ctx, false, "/master/"+session.CanonicalCode(code))
	if err != nil {
		return err
	}
	defer a.Close()

	if !action(ctx, a) {
		return fmt.Errorf("failed to %s session %s", verb, code)
	}

	fmt.Printf("Done: %s session %s\n", verb, code)
	if s := a.Sessions.Snapshot(); s != nil {
		printSession(s)
	}
	return nil
}
