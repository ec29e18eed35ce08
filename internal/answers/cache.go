// Package answers buffers a participant's pending answers in the profile
// store and submits them at most once.
//
// Three triggers can submit: the participant confirming, the countdown
// reaching zero, and the session closing. All of them go through one guard
// that records the submitted flag before the network call, so whichever
// fires first wins and the rest are no-ops, in this process or any other
// sharing the profile.
package answers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/kvstore"
	"github.com/wolfeidau/pollsync/internal/session"
)

// Submitter sends answers to the server.
type Submitter interface {
	SubmitVotes(ctx context.Context, code, participant string, answers session.Answers) bool
}

// Confirmer asks the participant to confirm a manual submit.
//
// Confirm runs with the cache locked so the answers it approves are the
// answers sent. Until it returns, selections and the timer and close
// triggers for every participant wait on it. Implementations should return
// promptly and give up when ctx is done.
type Confirmer interface {
	Confirm(ctx context.Context, code, participant string, answers session.Answers) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, code, participant string, answers session.Answers) bool

func (f ConfirmFunc) Confirm(ctx context.Context, code, participant string, answers session.Answers) bool {
	return f(ctx, code, participant, answers)
}

// AlwaysConfirm approves every submit.
var AlwaysConfirm = ConfirmFunc(func(context.Context, string, string, session.Answers) bool { return true })

// State is what a reloaded client needs to resume.
type State struct {
	Submitted bool
	Pending   session.Answers
}

// Cache is the pending-answer buffer for every (code, participant) pair in
// one profile.
type Cache struct {
	store     kvstore.Store
	submitter Submitter
	prefix    string

	mu        sync.Mutex
	submitted map[string]bool
}

// New creates a cache over the profile-scoped store.
func New(store kvstore.Store, submitter Submitter, prefix string) *Cache {
	if prefix == "" {
		prefix = "xpoll"
	}
	return &Cache{
		store:     store,
		submitter: submitter,
		prefix:    prefix,
		submitted: make(map[string]bool),
	}
}

// Select toggles optionIndex for a question. For single choice, selecting the
// current option clears it and any other option replaces it. For multiple
// choice the index is toggled in the set and an emptied set removes the
// question. Once submitted, Select changes nothing.
func (c *Cache) Select(ctx context.Context, code, participant string, questionID session.ID, optionIndex int, questionType session.QuestionType) (session.Answers, error) {
	code = session.CanonicalCode(code)

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.loadPending(ctx, code, participant)
	if c.isSubmittedLocked(ctx, code, participant) {
		return pending, nil
	}

	toggle(pending, questionID, optionIndex, questionType)

	if err := c.savePending(ctx, code, participant, pending); err != nil {
		return pending.Clone(), err
	}
	return pending.Clone(), nil
}

func toggle(pending session.Answers, questionID session.ID, optionIndex int, questionType session.QuestionType) {
	current, ok := pending[questionID]

	if questionType == session.MultipleChoice {
		var indices []int
		if ok {
			indices = current.Indices
			if !current.Multiple {
				indices = []int{current.Index}
			}
		}

		if i := slices.Index(indices, optionIndex); i >= 0 {
			indices = slices.Delete(slices.Clone(indices), i, i+1)
		} else {
			indices = append(slices.Clone(indices), optionIndex)
		}

		if len(indices) == 0 {
			delete(pending, questionID)
			return
		}
		pending[questionID] = session.Multi(indices...)
		return
	}

	if ok && !current.Multiple && current.Index == optionIndex {
		delete(pending, questionID)
		return
	}
	pending[questionID] = session.Single(optionIndex)
}

// Pending returns the buffered answers.
func (c *Cache) Pending(ctx context.Context, code, participant string) session.Answers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadPending(ctx, session.CanonicalCode(code), participant)
}

// Submitted reports whether answers were already submitted.
func (c *Cache) Submitted(ctx context.Context, code, participant string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSubmittedLocked(ctx, session.CanonicalCode(code), participant)
}

// Restore re-reads the submitted flag and pending buffer after a restart.
func (c *Cache) Restore(ctx context.Context, code, participant string) State {
	code = session.CanonicalCode(code)

	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		Submitted: c.isSubmittedLocked(ctx, code, participant),
		Pending:   c.loadPending(ctx, code, participant),
	}

	log.Debug().
		Str("code", code).
		Str("participant", participant).
		Bool("submitted", st.Submitted).
		Int("pending", len(st.Pending)).
		Msg("restored answers")

	return st
}

// Submit is the manual path. answers defaults to the pending buffer when
// nil. The confirmer is consulted before anything is recorded; declining
// leaves everything as it was.
func (c *Cache) Submit(ctx context.Context, code, participant string, answers session.Answers, confirm Confirmer) bool {
	return c.submit(ctx, session.CanonicalCode(code), participant, answers, confirm, "manual")
}

// AutoSubmit submits the pending buffer without asking. Used by the
// countdown and by the session closing.
func (c *Cache) AutoSubmit(ctx context.Context, code, participant, trigger string) bool {
	return c.submit(ctx, session.CanonicalCode(code), participant, nil, nil, trigger)
}

// MarkSubmitted records that nothing remains to submit.
func (c *Cache) MarkSubmitted(ctx context.Context, code, participant string) error {
	code = session.CanonicalCode(code)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markSubmittedLocked(ctx, code, participant)
}

// OnSessionUpdate reacts to a session snapshot. A closed session submits
// pending answers, or, with none pending, is marked submitted so the
// participant sees the post-submission view.
func (c *Cache) OnSessionUpdate(ctx context.Context, s *session.Session, participant string) {
	if s == nil || s.State != session.StateClosed {
		return
	}
	if c.Submitted(ctx, s.Code, participant) {
		return
	}

	if len(c.Pending(ctx, s.Code, participant)) > 0 {
		c.AutoSubmit(ctx, s.Code, participant, "closed")
		return
	}

	if err := c.MarkSubmitted(ctx, s.Code, participant); err != nil {
		log.Warn().Err(err).Str("code", s.Code).Msg("failed to record submitted flag")
	}
}

func (c *Cache) submit(ctx context.Context, code, participant string, answers session.Answers, confirm Confirmer, trigger string) bool {
	c.mu.Lock()

	if c.isSubmittedLocked(ctx, code, participant) {
		c.mu.Unlock()
		log.Debug().Str("code", code).Str("participant", participant).Str("trigger", trigger).Msg("already submitted")
		return false
	}

	if answers == nil {
		answers = c.loadPending(ctx, code, participant)
	}
	if len(answers) == 0 {
		c.mu.Unlock()
		return false
	}

	if confirm != nil && !confirm.Confirm(ctx, code, participant, answers.Clone()) {
		c.mu.Unlock()
		return false
	}

	// The flag goes down before the request so a concurrent trigger, here or
	// in another process, sees it.
	if err := c.markSubmittedLocked(ctx, code, participant); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("submitted flag not persisted, guarding in process only")
	}
	c.mu.Unlock()

	log.Info().
		Str("code", code).
		Str("participant", participant).
		Str("trigger", trigger).
		Int("answers", len(answers)).
		Msg("submitting answers")

	ok := c.submitter.SubmitVotes(ctx, code, participant, answers)

	c.mu.Lock()
	if err := c.store.Delete(ctx, c.pendingKey(code, participant)); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to clear pending answers")
	}
	c.mu.Unlock()

	if !ok {
		log.Warn().Str("code", code).Str("participant", participant).Msg("answer submission failed")
	}
	return ok
}

func (c *Cache) isSubmittedLocked(ctx context.Context, code, participant string) bool {
	key := c.submittedKey(code, participant)
	if c.submitted[key] {
		return true
	}

	value, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Debug().Err(err).Str("key", key).Msg("failed to read submitted flag")
		}
		return false
	}
	if value == "true" {
		c.submitted[key] = true
		return true
	}
	return false
}

func (c *Cache) markSubmittedLocked(ctx context.Context, code, participant string) error {
	key := c.submittedKey(code, participant)
	c.submitted[key] = true

	if err := c.store.Set(ctx, key, "true"); err != nil {
		return fmt.Errorf("failed to store submitted flag: %w", err)
	}
	return nil
}

func (c *Cache) loadPending(ctx context.Context, code, participant string) session.Answers {
	pending := session.Answers{}

	raw, err := c.store.Get(ctx, c.pendingKey(code, participant))
	if err != nil {
		return pending
	}
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("discarding unreadable pending answers")
		return session.Answers{}
	}
	return pending
}

func (c *Cache) savePending(ctx context.Context, code, participant string, pending session.Answers) error {
	key := c.pendingKey(code, participant)

	if len(pending) == 0 {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to clear pending answers: %w", err)
		}
		return nil
	}

	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("failed to encode pending answers: %w", err)
	}
	if err := c.store.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to store pending answers: %w", err)
	}
	return nil
}

func (c *Cache) pendingKey(code, participant string) string {
	return c.prefix + "_answers_" + code + "_" + participant
}

func (c *Cache) submittedKey(code, participant string) string {
	return c.prefix + "_submitted_" + code + "_" + participant
}
