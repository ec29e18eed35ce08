package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/pollsync/internal/session"
)

type JoinCmd struct {
	Code string `arg:"" help:"Session code"`
	Name string `arg:"" help:"Display name"`
}

func (j *JoinCmd) Run(ctx context.Context, globals *Globals) error {
	a, ctx, err := globals.openGuarded(ctx, false, "/join/"+session.CanonicalCode(j.Code))
	if err != nil {
		return err
	}
	defer a.Close()

	result := a.Sessions.JoinSession(ctx, j.Code, j.Name)
	if !result.Success {
		if result.Message != "" {
			return fmt.Errorf("failed to join %s: %s: %w", j.Code, result.Message, result.Error.Err())
		}
		return fmt.Errorf("failed to join %s: %w", j.Code, result.Error.Err())
	}

	fmt.Printf("Joined session %s as %s\n", result.SessionCode, result.Participant.Name)
	if s := a.Sessions.Snapshot(); s != nil {
		printSession(s)
		printQuestions(s)
	}
	return nil
}

type LeaveCmd struct {
	Code string `arg:"" help:"Session code"`
	Name string `help:"Display name; defaults to the name last joined with"`
}

func (l *LeaveCmd) Run(ctx context.Context, globals *Globals) error {
	a, ctx, err := globals.openGuarded(ctx, false, "/join/"+session.CanonicalCode(l.Code))
	if err != nil {
		return err
	}
	defer a.Close()

	name := l.Name
	if name == "" {
		name = a.Sessions.LastJoinedName(ctx, l.Code)
	}
	if name == "" {
		return fmt.Errorf("no name joined for %s, pass --name", l.Code)
	}

	if !a.Sessions.LeaveSession(ctx, l.Code, name) {
		return fmt.Errorf("failed to leave %s", l.Code)
	}

	fmt.Printf("%s left session %s\n", name, l.Code)
	return nil
}
