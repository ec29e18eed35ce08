// Package session keeps the client's view of one live session in sync with
// the server.
//
// A Client owns a single Session snapshot. Every change to it goes through
// one entry point: REST re-fetches are merged, push events are either
// patched in place or turned into a re-fetch, and deletion clears it. Action
// methods are REST calls followed by a re-fetch, so the snapshot converges on
// server truth even when a push notification is lost.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/kvstore"
	"github.com/wolfeidau/pollsync/internal/push"
)

// PushChannel delivers server push frames for a destination.
type PushChannel interface {
	Subscribe(destination string, handler push.Handler) (unsubscribe func())
}

// Config configures a Client.
type Config struct {
	// ServerURL is the server base URL; REST calls go to ServerURL/api.
	ServerURL string
	// HTTPClient performs REST calls. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Push delivers session events. Nil disables push; the snapshot then
	// only changes on explicit fetches.
	Push PushChannel
	// Profile is the profile-scoped store for the last-joined name and the
	// logged-in user record.
	Profile kvstore.Store
	// Prefix namespaces profile keys.
	Prefix string
	// CreatorID identifies this tab for creator-only actions.
	CreatorID string
	// UserKey is the profile key of the logged-in user record.
	UserKey string
}

// Client is the session synchronization client for one tab.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	snapshot    *Session
	code        string
	unsubscribe func()

	changes chan struct{}
}

// New creates a client. Background re-fetches triggered by push events are
// bound to ctx.
func New(ctx context.Context, cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "xpoll"
	}
	if cfg.UserKey == "" {
		cfg.UserKey = "user"
	}
	if cfg.Profile == nil {
		cfg.Profile = kvstore.NewMemory()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimSuffix(cfg.ServerURL, "/") + "/api",
		http:    cfg.HTTPClient,
		ctx:     ctx,
		cancel:  cancel,
		changes: make(chan struct{}, 1),
	}
}

// Close cancels the active subscription and any background re-fetch.
func (c *Client) Close() {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.code = ""
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.cancel()
}

// Snapshot returns a copy of the current session, or nil.
func (c *Client) Snapshot() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

// Changes signals after the snapshot changes. Signals coalesce; read
// Snapshot for the current value.
func (c *Client) Changes() <-chan struct{} {
	return c.changes
}

// SubscribedCode returns the code of the active subscription.
func (c *Client) SubscribedCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// CreatorID returns the id sent with creator-only actions.
func (c *Client) CreatorID() string {
	return c.cfg.CreatorID
}

// Fetch reads the session and replaces the snapshot with it.
func (c *Client) Fetch(ctx context.Context, code string) (*Session, error) {
	code = CanonicalCode(code)

	s, err := c.get(ctx, code)
	if err != nil {
		return nil, err
	}

	return c.replace(s), nil
}

// Get fetches the session and subscribes to its events.
func (c *Client) Get(ctx context.Context, code string) (*Session, error) {
	s, err := c.Fetch(ctx, code)
	if err != nil {
		return nil, err
	}

	c.Subscribe(s.Code)
	return s, nil
}

// GetMine is Get restricted to sessions created by this tab. Sessions owned
// by someone else return ErrUnauthorized and are neither stored nor
// subscribed.
func (c *Client) GetMine(ctx context.Context, code string) (*Session, error) {
	code = CanonicalCode(code)

	s, err := c.get(ctx, code)
	if err != nil {
		return nil, err
	}
	if s.CreatorID != c.cfg.CreatorID {
		return nil, ErrUnauthorized
	}

	s = c.replace(s)
	c.Subscribe(s.Code)
	return s, nil
}

// CreateSession creates a session and subscribes to the assigned code.
func (c *Client) CreateSession(ctx context.Context, spec CreateSpec) (*Session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	req := struct {
		CreatorID     string         `json:"creatorId"`
		CreatorUserID *int64         `json:"creatorUserId"`
		Title         string         `json:"title"`
		TimeLimit     int            `json:"timeLimit"`
		Questions     []QuestionSpec `json:"questions"`
	}{
		CreatorID:     c.cfg.CreatorID,
		CreatorUserID: c.profileUserID(ctx),
		Title:         spec.Title,
		TimeLimit:     spec.TimeLimit,
		Questions:     spec.Questions,
	}

	var s Session
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		log.Error().Err(err).Str("title", spec.Title).Msg("failed to create session")
		return nil, err
	}

	log.Info().Str("code", s.Code).Str("title", spec.Title).Msg("session created")

	snapshot := c.replace(&s)
	c.Subscribe(snapshot.Code)
	return snapshot, nil
}

// JoinSession adds displayName to the session. Only waiting sessions can be
// joined; the failure kind says why a join was refused.
func (c *Client) JoinSession(ctx context.Context, code, displayName string) JoinResult {
	code = CanonicalCode(code)

	current, err := c.get(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		return JoinResult{SessionCode: code, Error: ErrorNotFound}
	case err != nil:
		return JoinResult{SessionCode: code, Error: ErrorNetwork, Message: err.Error()}
	case current.State == StateOpen:
		return JoinResult{SessionCode: code, Error: ErrorAlreadyStarted}
	case current.State == StateClosed:
		return JoinResult{SessionCode: code, Error: ErrorAlreadyClosed}
	}

	req := struct {
		DisplayName string `json:"displayName"`
		UserID      *int64 `json:"userId"`
	}{
		DisplayName: displayName,
		UserID:      c.profileUserID(ctx),
	}

	var resp struct {
		Success      bool         `json:"success"`
		Error        string       `json:"error"`
		Code         string       `json:"code"`
		SessionToken string       `json:"sessionToken"`
		Participant  *Participant `json:"participant"`
	}

	err = c.do(ctx, http.MethodPost, "/sessions/"+code+"/join", req, &resp)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			log.Warn().Err(err).Str("code", code).Msg("failed to join session")
			return JoinResult{SessionCode: code, Error: ErrorNetwork, Message: err.Error()}
		}
		resp.Error, resp.Code = apiErr.Message, apiErr.Code
	}

	if !resp.Success || resp.Participant == nil {
		kind := joinErrorKind(resp.Error, resp.Code)
		log.Info().Str("code", code).Str("reason", resp.Error).Str("kind", string(kind)).Msg("join refused")
		return JoinResult{SessionCode: code, Error: kind, Message: resp.Error}
	}

	if err := c.cfg.Profile.Set(ctx, c.participantKey(code), displayName); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to remember participant name")
	}

	c.refresh(ctx, code)
	c.Subscribe(code)

	return JoinResult{
		Success:      true,
		Participant:  resp.Participant,
		SessionCode:  code,
		SessionToken: resp.SessionToken,
	}
}

func joinErrorKind(message, code string) ErrorKind {
	switch {
	case code == "NAME_TAKEN":
		return ErrorNameTaken
	case strings.EqualFold(message, "Session not found"):
		return ErrorNotFound
	case strings.EqualFold(message, "Session is closed"):
		return ErrorAlreadyClosed
	default:
		return ErrorRejected
	}
}

// LastJoinedName returns the display name this profile last joined code with.
func (c *Client) LastJoinedName(ctx context.Context, code string) string {
	name, err := c.cfg.Profile.Get(ctx, c.participantKey(CanonicalCode(code)))
	if err != nil {
		return ""
	}
	return name
}

// LeaveSession removes participantName from a waiting session.
func (c *Client) LeaveSession(ctx context.Context, code, participantName string) bool {
	code = CanonicalCode(code)

	req := struct {
		ParticipantName string `json:"participantName"`
	}{ParticipantName: participantName}

	err := c.do(ctx, http.MethodPost, "/sessions/"+code+"/leave", req, nil)
	c.refresh(ctx, code)
	if err != nil {
		log.Warn().Err(err).Str("code", code).Str("participant", participantName).Msg("failed to leave session")
		return false
	}

	if err := c.cfg.Profile.Delete(ctx, c.participantKey(code)); err != nil {
		log.Debug().Err(err).Str("code", code).Msg("failed to forget participant name")
	}
	return true
}

// Launch opens the session and starts its timer.
func (c *Client) Launch(ctx context.Context, code string) bool {
	return c.creatorAction(ctx, http.MethodPost, code, "launch")
}

// ClosePoll stops accepting votes.
func (c *Client) ClosePoll(ctx context.Context, code string) bool {
	return c.creatorAction(ctx, http.MethodPost, code, "close")
}

// ShowResults closes the session and reveals results to participants.
func (c *Client) ShowResults(ctx context.Context, code string) bool {
	return c.creatorAction(ctx, http.MethodPost, code, "results")
}

// ExitWithoutResults closes the session without revealing results.
func (c *Client) ExitWithoutResults(ctx context.Context, code string) bool {
	return c.creatorAction(ctx, http.MethodPost, code, "exit")
}

// DeleteSession deletes the session, clears the snapshot and drops the
// subscription.
func (c *Client) DeleteSession(ctx context.Context, code string) bool {
	code = CanonicalCode(code)

	if err := c.do(ctx, http.MethodDelete, "/sessions/"+code, c.creatorBody(), nil); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to delete session")
		return false
	}

	c.apply(code, func(*Session) *Session { return nil })

	c.mu.Lock()
	var unsubscribe func()
	if c.code == code {
		unsubscribe = c.unsubscribe
		c.unsubscribe = nil
		c.code = ""
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	log.Info().Str("code", code).Msg("session deleted")
	return true
}

func (c *Client) creatorAction(ctx context.Context, method, code, action string) bool {
	code = CanonicalCode(code)

	err := c.do(ctx, method, "/sessions/"+code+"/"+action, c.creatorBody(), nil)

	// Re-fetch whatever the outcome so the snapshot reflects the server even
	// if the push notification never arrives.
	c.refresh(ctx, code)

	if err != nil {
		log.Warn().Err(err).Str("code", code).Str("action", action).Msg("creator action failed")
		return false
	}

	log.Info().Str("code", code).Str("action", action).Msg("creator action succeeded")
	return true
}

func (c *Client) creatorBody() any {
	return struct {
		CreatorID string `json:"creatorId"`
	}{CreatorID: c.cfg.CreatorID}
}

// SubmitVotes sends participantName's answers. The snapshot is not touched.
func (c *Client) SubmitVotes(ctx context.Context, code, participantName string, answers Answers) bool {
	code = CanonicalCode(code)

	req := struct {
		ParticipantName string  `json:"participantName"`
		Answers         Answers `json:"answers"`
	}{
		ParticipantName: participantName,
		Answers:         answers,
	}

	if err := c.do(ctx, http.MethodPost, "/sessions/"+code+"/votes", req, nil); err != nil {
		log.Warn().Err(err).Str("code", code).Str("participant", participantName).Msg("failed to submit votes")
		return false
	}

	log.Info().Str("code", code).Str("participant", participantName).Int("answers", len(answers)).Msg("votes submitted")
	return true
}

// RemainingTime asks the server for the seconds left, 0 on failure.
func (c *Client) RemainingTime(ctx context.Context, code string) int {
	var resp struct {
		RemainingTime int `json:"remainingTime"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+CanonicalCode(code)+"/time", nil, &resp); err != nil {
		log.Debug().Err(err).Str("code", code).Msg("failed to get remaining time")
		return 0
	}
	return max(0, resp.RemainingTime)
}

// Results returns the aggregate results, nil on failure.
func (c *Client) Results(ctx context.Context, code string) *Results {
	var r Results
	if err := c.do(ctx, http.MethodGet, "/sessions/"+CanonicalCode(code)+"/results", nil, &r); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("failed to get results")
		return nil
	}
	return &r
}

// ParticipantResults returns participantName's graded answers, nil on failure.
func (c *Client) ParticipantResults(ctx context.Context, code, participantName string) *ParticipantResults {
	path := "/sessions/" + CanonicalCode(code) + "/results/" + url.PathEscape(participantName)

	var r ParticipantResults
	if err := c.do(ctx, http.MethodGet, path, nil, &r); err != nil {
		log.Warn().Err(err).Str("code", code).Str("participant", participantName).Msg("failed to get participant results")
		return nil
	}
	return &r
}

// Subscribe opens the push subscription for code, closing any previous one.
func (c *Client) Subscribe(code string) {
	code = CanonicalCode(code)

	c.mu.Lock()
	previous := c.unsubscribe
	c.unsubscribe = nil
	c.code = code
	c.mu.Unlock()

	if previous != nil {
		previous()
	}
	if c.cfg.Push == nil {
		return
	}

	unsubscribe := c.cfg.Push.Subscribe(Topic(code), c.onPush(code))

	c.mu.Lock()
	if c.code == code && c.unsubscribe == nil {
		c.unsubscribe = unsubscribe
		unsubscribe = nil
	}
	c.mu.Unlock()

	// Lost a race with another Subscribe.
	if unsubscribe != nil {
		unsubscribe()
	}

	log.Debug().Str("code", code).Msg("subscribed to session events")
}

// Topic returns the push destination for a session code.
func Topic(code string) string {
	return "/topic/session/" + CanonicalCode(code)
}

func (c *Client) onPush(code string) push.Handler {
	return func(body []byte) {
		ev, err := DecodeEvent(body)
		if err != nil {
			log.Warn().Err(err).Str("code", code).Msg("dropping push event")
			return
		}
		c.HandleEvent(c.ctx, code, ev)
	}
}

// HandleEvent reconciles one push event for code into the snapshot. Events
// for a code other than the subscribed one are ignored.
func (c *Client) HandleEvent(ctx context.Context, code string, ev Event) {
	code = CanonicalCode(code)

	if c.SubscribedCode() != code {
		log.Debug().Str("code", code).Str("event", string(ev.Kind())).Msg("ignoring event for inactive session")
		return
	}

	log.Debug().Str("code", code).Str("event", string(ev.Kind())).Msg("session event")

	switch ev.(type) {
	case ParticipantJoined, VoteSubmitted, ParticipantLeft:
		c.refresh(ctx, code)
	case StateChanged, ResultsShown, SessionClosed, SessionDeleted:
		c.apply(code, func(prev *Session) *Session {
			next, _ := patch(prev, ev)
			return next
		})
	default:
		log.Warn().Str("code", code).Str("event", fmt.Sprintf("%T", ev)).Msg("unhandled event")
	}
}

// refresh re-fetches code and merges it into the snapshot. Failures leave
// the snapshot as it was.
func (c *Client) refresh(ctx context.Context, code string) {
	s, err := c.get(ctx, code)
	if err != nil {
		log.Debug().Err(err).Str("code", code).Msg("re-fetch failed")
		return
	}
	c.replace(s)
}

func (c *Client) replace(s *Session) *Session {
	var out *Session
	c.apply(s.Code, func(prev *Session) *Session {
		out = merge(prev, s)
		return out
	})
	return out.Clone()
}

// apply is the only place the snapshot changes. fn receives the current
// snapshot when it belongs to code (nil otherwise) and returns the new one.
func (c *Client) apply(code string, fn func(prev *Session) *Session) {
	c.mu.Lock()

	prev := c.snapshot
	if prev != nil && prev.Code != code {
		prev = nil
	}
	next := fn(prev)

	if next == nil && c.snapshot != nil && c.snapshot.Code != code {
		// Clearing a session that is not the current one.
		c.mu.Unlock()
		return
	}
	c.snapshot = next
	c.mu.Unlock()

	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Client) get(ctx context.Context, code string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+code, nil, &s); err != nil {
		return nil, err
	}
	s.Code = CanonicalCode(s.Code)
	if s.Code == "" {
		s.Code = code
	}
	return &s, nil
}

func (c *Client) participantKey(code string) string {
	return c.cfg.Prefix + "_participant_" + code
}

// profileUserID returns the logged-in user's numeric id from the profile
// user record, which is either {"id":..} or {"user":{"id":..}}.
func (c *Client) profileUserID(ctx context.Context) *int64 {
	raw, err := c.cfg.Profile.Get(ctx, c.cfg.UserKey)
	if err != nil {
		return nil
	}

	var record struct {
		ID   *int64 `json:"id"`
		User *struct {
			ID *int64 `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		log.Debug().Err(err).Msg("ignoring unreadable user record")
		return nil
	}

	if record.User != nil && record.User.ID != nil {
		return record.User.ID
	}
	return record.ID
}

// do sends a JSON request and decodes a JSON response into out. Transport
// failures wrap ErrNetwork; non-2xx responses return *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
