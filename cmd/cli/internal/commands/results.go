package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/pollsync/internal/session"
)

type ResultsCmd struct {
	Code        string `arg:"" help:"Session code"`
	Participant string `help:"Show one participant's results instead of the totals"`
}

func (r *ResultsCmd) Run(ctx context.Context, globals *Globals) error {
	a, ctx, err := globals.openGuarded(ctx, false, "/results/"+session.CanonicalCode(r.Code))
	if err != nil {
		return err
	}
	defer a.Close()

	if r.Participant != "" {
		pr := a.Sessions.ParticipantResults(ctx, r.Code, r.Participant)
		if pr == nil {
			return fmt.Errorf("no results for %s in %s", r.Participant, r.Code)
		}
		printParticipantResults(r.Participant, pr)
		return nil
	}

	res := a.Sessions.Results(ctx, r.Code)
	if res == nil {
		return fmt.Errorf("no results for %s", r.Code)
	}

	fmt.Printf("Results for %q (%d participants)\n", res.PollTitle, res.TotalParticipants)
	for _, q := range res.Questions {
		fmt.Printf("  %s\n", q.Text)
		for _, o := range q.Options {
			mark := " "
			if o.IsCorrect {
				mark = "*"
			}
			fmt.Printf("    %s %-30s %d\n", mark, o.Text, o.Votes)
		}
	}
	return nil
}

func printParticipantResults(name string, pr *session.ParticipantResults) {
	fmt.Printf("Results for %s in %q: %d/%d correct\n", name, pr.PollTitle, pr.CorrectCount, pr.TotalQuestions)
	for _, q := range pr.Questions {
		selected := "-"
		if q.SelectedIndex != nil && *q.SelectedIndex >= 0 && *q.SelectedIndex < len(q.Options) {
			selected = q.Options[*q.SelectedIndex].Text
		}
		verdict := "wrong"
		if q.IsCorrect {
			verdict = "correct"
		}
		fmt.Printf("  %s: %s (%s)\n", q.Text, selected, verdict)
	}
}
