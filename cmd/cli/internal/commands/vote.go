package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/answers"
	"github.com/wolfeidau/pollsync/internal/app"
	"github.com/wolfeidau/pollsync/internal/session"
	"golang.org/x/sync/errgroup"
)

var errNotOpen = errors.New("session is not open for voting")

type VoteCmd struct {
	Code     string        `arg:"" help:"Session code"`
	Name     string        `help:"Display name; defaults to the name last joined with"`
	Answer   []string      `help:"Answer as QUESTION=INDEX or QUESTION=I,J for multiple choice" short:"a"`
	Yes      bool          `help:"Submit without asking for confirmation" short:"y"`
	Interval time.Duration `help:"Re-fetch interval when push is unavailable" default:"2s"`
}

func (v *VoteCmd) Run(ctx context.Context, globals *Globals) error {
	selections, err := parseAnswers(v.Answer)
	if err != nil {
		return err
	}

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	a, ctx, err := globals.openGuarded(ctx, true, "/vote/"+session.CanonicalCode(v.Code))
	if err != nil {
		return err
	}
	defer a.Close()

	name := v.Name
	if name == "" {
		name = a.Sessions.LastJoinedName(ctx, v.Code)
	}
	if name == "" {
		return fmt.Errorf("no name joined for %s, join first or pass --name", v.Code)
	}

	s, err := a.Sessions.Get(ctx, v.Code)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", v.Code, err)
	}
	code := s.Code

	if st := a.Answers.Restore(ctx, code, name); st.Submitted {
		fmt.Printf("Answers for %s already submitted\n", name)
		return v.awaitResults(ctx, a, code, name)
	} else if len(st.Pending) > 0 {
		fmt.Printf("Restored %d pending answers\n", len(st.Pending))
	}

	if s.State == session.StateWaiting {
		fmt.Printf("Waiting for %s to open...\n", code)
		if s, err = v.awaitStart(ctx, a, code); err != nil {
			return err
		}
	}
	printQuestions(s)

	if s.State == session.StateOpen {
		if err := applySelections(ctx, a.Answers, s, name, selections); err != nil {
			return err
		}
	}

	countdown := answers.NewCountdown(a.Answers, a.Sessions, code, name)
	lastRemaining := -1
	countdown.OnTick = func(remaining int) {
		if remaining != lastRemaining && (remaining <= 10 || remaining%10 == 0) {
			fmt.Printf("  %ds remaining\n", remaining)
		}
		lastRemaining = remaining
	}
	countdown.RefreshInterval = v.Interval
	countdown.Refresh = func(ctx context.Context) {
		if err := pull(ctx, a, code); err != nil {
			log.Debug().Err(err).Str("code", code).Msg("re-fetch failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return countdown.Run(gctx)
	})
	if s.State == session.StateOpen {
		g.Go(func() error {
			confirm := answers.AlwaysConfirm
			if !v.Yes {
				confirm = promptConfirm(os.Stdin)
			}
			if a.Answers.Submit(gctx, code, name, nil, confirm) {
				fmt.Println("Answers submitted")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return exitErr(ctx, err)
	}

	fmt.Printf("Answers for %s are in\n", name)
	return v.awaitResults(ctx, a, code, name)
}

// awaitStart waits until the session leaves WAITING.
func (v *VoteCmd) awaitStart(ctx context.Context, a *app.App, code string) (*session.Session, error) {
	var started *session.Session

	err := follow(ctx, a, code, v.Interval, func(s *session.Session) bool {
		if s == nil {
			return true
		}
		if s.State.Started() {
			started = s
			return true
		}
		return false
	}, nil)
	if err != nil {
		return nil, err
	}
	if started == nil {
		return nil, fmt.Errorf("session %s was deleted", code)
	}
	return started, nil
}

// awaitResults waits for the creator to show results or end the session.
func (v *VoteCmd) awaitResults(ctx context.Context, a *app.App, code, name string) error {
	fmt.Println("Waiting for results...")

	var final *session.Session
	err := follow(ctx, a, code, v.Interval, func(s *session.Session) bool {
		if s == nil || s.ResultsShown || s.ExitedWithoutResults {
			final = s
			return true
		}
		return false
	}, nil)
	if err != nil {
		return exitErr(ctx, err)
	}

	switch {
	case final == nil:
		fmt.Printf("Session %s was deleted\n", code)
	case final.ExitedWithoutResults:
		fmt.Println("The session ended without results")
	default:
		if pr := a.Sessions.ParticipantResults(ctx, code, name); pr != nil {
			printParticipantResults(name, pr)
		}
	}
	return nil
}

type selection struct {
	Question session.ID
	Indices  []int
}

// parseAnswers parses QUESTION=INDEX[,INDEX...] pairs.
func parseAnswers(raw []string) ([]selection, error) {
	out := make([]selection, 0, len(raw))
	for _, r := range raw {
		q, list, ok := strings.Cut(r, "=")
		q = strings.TrimSpace(q)
		if !ok || q == "" || strings.TrimSpace(list) == "" {
			return nil, fmt.Errorf("invalid answer %q, expected QUESTION=INDEX[,INDEX...]", r)
		}

		var indices []int
		for _, part := range strings.Split(list, ",") {
			idx, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid option index %q in %q", part, r)
			}
			indices = append(indices, idx)
		}
		out = append(out, selection{Question: session.ID(q), Indices: indices})
	}
	return out, nil
}

// applySelections brings the pending buffer to the requested selections.
// Options already selected, for example restored after a restart, are left
// alone so the toggle does not undo them.
func applySelections(ctx context.Context, cache *answers.Cache, s *session.Session, name string, selections []selection) error {
	if s.State != session.StateOpen {
		return errNotOpen
	}

	for _, sel := range selections {
		q, ok := s.Question(sel.Question)
		if !ok {
			return fmt.Errorf("session %s has no question %q", s.Code, sel.Question)
		}
		qtype := q.EffectiveType()
		if qtype == session.SingleChoice && len(sel.Indices) > 1 {
			return fmt.Errorf("question %q takes a single answer", sel.Question)
		}

		for _, idx := range sel.Indices {
			if idx >= len(q.Options) {
				return fmt.Errorf("question %q has no option %d", sel.Question, idx)
			}
			if current, ok := cache.Pending(ctx, s.Code, name)[q.ID]; ok && current.Has(idx) {
				continue
			}
			if _, err := cache.Select(ctx, s.Code, name, q.ID, idx, qtype); err != nil {
				return fmt.Errorf("failed to record answer: %w", err)
			}
		}
	}
	return nil
}

// promptConfirm asks on in before a manual submit.
func promptConfirm(in io.Reader) answers.ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, code, participant string, pending session.Answers) bool {
		fmt.Printf("Submit %d answers for %s in %s? [y/N] ", len(pending), participant, code)

		lines := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			lines <- line
		}()

		select {
		case <-ctx.Done():
			return false
		case line := <-lines:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true
			}
			return false
		}
	}
}
