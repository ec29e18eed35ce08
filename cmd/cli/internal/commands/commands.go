package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/wolfeidau/pollsync/internal/app"
	"github.com/wolfeidau/pollsync/internal/config"
	"github.com/wolfeidau/pollsync/internal/session"
)

type Globals struct {
	Debug   bool
	Version string

	Server     string
	ProfileDir string
	RedisURL   string
	Identity   string
	Token      string
	CreatorID  string
	Config     string
}

// loadConfig reads the config file and applies flag overrides.
func (g *Globals) loadConfig() (config.Config, error) {
	path, required := config.DefaultPath(), false
	if g.Config != "" {
		path, required = g.Config, true
	}

	cfg, err := config.Load(path, required)
	if err != nil {
		return cfg, err
	}

	if g.Server != "" {
		cfg.Server = g.Server
	}
	if g.ProfileDir != "" {
		cfg.ProfileDir = g.ProfileDir
	}
	if g.RedisURL != "" {
		cfg.RedisURL = g.RedisURL
	}
	return cfg, nil
}

// open starts a client instance. realtime connects the push channel.
func (g *Globals) open(ctx context.Context, realtime bool) (*app.App, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, app.Options{
		Config:    cfg,
		Identity:  g.Identity,
		Token:     g.Token,
		CreatorID: g.CreatorID,
		Realtime:  realtime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return a, nil
}

// openGuarded starts a client instance on route and claims the tab lock for
// it. Commands run under the returned context, which ends with cause
// app.ErrBlocked when another instance takes over the identity.
func (g *Globals) openGuarded(ctx context.Context, realtime bool, route string) (*app.App, context.Context, error) {
	a, err := g.open(ctx, realtime)
	if err != nil {
		return nil, nil, err
	}

	guarded, err := a.Guard(ctx, route)
	if err != nil {
		_ = a.Close()
		return nil, nil, fmt.Errorf("%s: %w", route, err)
	}
	return a, guarded, nil
}

// exitErr turns a cancelled command into a clean exit, unless the tab lock
// was lost to another instance.
func exitErr(ctx context.Context, err error) error {
	if !errors.Is(err, context.Canceled) {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, app.ErrBlocked) {
		return cause
	}
	return nil
}

// withInterrupt cancels the returned context on SIGINT or SIGTERM.
func withInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			fmt.Println("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

func printSession(s *session.Session) {
	fmt.Printf("Session %s: %q [%s]\n", s.Code, s.PollTitle, s.State)
	fmt.Printf("  Time limit: %ds, votes: %d\n", s.TimeLimit, s.VoteCount)

	names := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		names = append(names, p.Name)
	}
	fmt.Printf("  Participants (%d): %s\n", len(names), strings.Join(names, ", "))

	switch {
	case s.ResultsShown:
		fmt.Println("  Results are shown")
	case s.ExitedWithoutResults:
		fmt.Println("  Ended without results")
	}
}

func printQuestions(s *session.Session) {
	for _, q := range s.Questions {
		fmt.Printf("  [%s] %s (%s)\n", q.ID, q.Text, q.EffectiveType())
		for i, o := range q.Options {
			fmt.Printf("      %d) %s\n", i, o.Text)
		}
	}
}
