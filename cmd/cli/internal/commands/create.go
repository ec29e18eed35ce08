package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/wolfeidau/pollsync/internal/session"
	"gopkg.in/yaml.v3"
)

type CreateCmd struct {
	Title         string        `help:"Poll title"`
	TimeLimit     int           `help:"Time limit in seconds"`
	QuestionsFile string        `help:"YAML/JSON file with the title, timeLimit and questions" type:"existingfile"`
	Watch         bool          `help:"Watch the session after creating it" default:"true" negatable:""`
	Interval      time.Duration `help:"Re-fetch interval when push is unavailable" default:"2s"`
}

func (c *CreateCmd) Run(ctx context.Context, globals *Globals) error {
	spec, err := c.spec()
	if err != nil {
		return err
	}

	ctx, cancel := withInterrupt(ctx)
	defer cancel()

	a, ctx, err := globals.openGuarded(ctx, c.Watch, "/create")
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Sessions.CreateSession(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	fmt.Printf("Session created with code: %s\n", s.Code)
	fmt.Printf("Creator id (pass as --creator-id to host it): %s\n", a.Sessions.CreatorID())
	printSession(s)
	printQuestions(s)

	if !c.Watch {
		return nil
	}
	return watchSession(ctx, a, s.Code, c.Interval)
}

func (c *CreateCmd) spec() (session.CreateSpec, error) {
	var spec session.CreateSpec

	if c.QuestionsFile != "" {
		loaded, err := loadCreateSpec(c.QuestionsFile)
		if err != nil {
			return spec, err
		}
		spec = loaded
	}

	// Flags take precedence over the file
	if c.Title != "" {
		spec.Title = c.Title
	}
	if c.TimeLimit > 0 {
		spec.TimeLimit = c.TimeLimit
	}

	if err := spec.Validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

func loadCreateSpec(path string) (session.CreateSpec, error) {
	var spec session.CreateSpec

	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("failed to read questions file: %w", err)
	}

	// Determine file format by extension
	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("failed to parse JSON questions: %w", err)
		}
		return spec, nil
	}

	if err := yaml.Unmarshal(data, &spec); err != nil {
		return spec, fmt.Errorf("failed to parse YAML questions: %w", err)
	}
	return spec, nil
}
