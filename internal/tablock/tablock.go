// Package tablock keeps at most one client instance active per identity.
//
// Each instance ("tab") claims a lease for its identity in the profile-scoped
// store and renews it on a heartbeat. A tab that finds a fresh lease owned by
// another tab is blocked until that lease is released or goes stale.
//
// Coordination is cooperative: there is no arbiter, only reads and single-key
// writes to the shared store. When two tabs claim at the same moment both may
// report Holding for up to one heartbeat interval; the most recent write wins
// on the next check. This window is accepted; a strict implementation would
// need a server-issued lock.
package tablock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/kvstore"
)

var (
	// ErrInvalidConfig is returned for timings that cannot tolerate a missed heartbeat.
	ErrInvalidConfig = errors.New("invalid tab lock config")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("tab lock already started")
)

// State is the lock state of one tab.
type State int

const (
	// Unlocked means the tab is not holding a lease and is not blocked:
	// public routes, guests, and storage failures all land here.
	Unlocked State = iota
	// Holding means the tab owns the identity's lease.
	Holding
	// Blocked means another live tab owns the identity's lease.
	Blocked
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "UNLOCKED"
	case Holding:
		return "HOLDING"
	case Blocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Lease is the record stored per identity.
type Lease struct {
	TabID     string `json:"tabId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// IssuedAt returns when the lease was last written.
func (l Lease) IssuedAt() time.Time {
	return time.UnixMilli(l.Timestamp)
}

// Fresh reports whether the lease is younger than timeout at now.
func (l Lease) Fresh(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.IssuedAt()) < timeout
}

// IdentitySource supplies this tab's acting identity.
type IdentitySource interface {
	Current(ctx context.Context) string
	Clear(ctx context.Context) error
}

// Config holds lock timings and key layout.
type Config struct {
	// Prefix namespaces lease keys: <Prefix>_active_tab_<identity>.
	Prefix string
	// UserKey is the profile key holding the logged-in user. Its removal
	// by another tab signals logout.
	UserKey string
	// PollInterval is how often the lock is checked.
	PollInterval time.Duration
	// HeartbeatInterval is how often a held lease is renewed.
	HeartbeatInterval time.Duration
	// Timeout is the age after which a lease is considered stale.
	Timeout time.Duration
	// PublicPaths never lock. A path matches itself and anything below it.
	PublicPaths []string
}

// DefaultConfig returns the standard timings: poll every second, heartbeat
// every two, leases stale after five.
func DefaultConfig() Config {
	return Config{
		Prefix:            "xpoll",
		UserKey:           "user",
		PollInterval:      time.Second,
		HeartbeatInterval: 2 * time.Second,
		Timeout:           5 * time.Second,
		PublicPaths:       []string{"/", "/login", "/signup", "/recovery", "/reset-password", "/oauth/callback"},
	}
}

// Validate checks the timings tolerate at least one missed heartbeat.
func (c Config) Validate() error {
	if c.PollInterval <= 0 || c.HeartbeatInterval <= 0 || c.Timeout <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.Timeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("%w: timeout %s must be at least twice the heartbeat %s", ErrInvalidConfig, c.Timeout, c.HeartbeatInterval)
	}
	if c.PollInterval > c.HeartbeatInterval {
		return fmt.Errorf("%w: poll interval %s exceeds heartbeat %s", ErrInvalidConfig, c.PollInterval, c.HeartbeatInterval)
	}
	return nil
}

// Option configures a Lock.
type Option func(*Lock)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

// Lock is one tab's view of the single-active-identity lock.
type Lock struct {
	cfg    Config
	tabID  string
	shared kvstore.Store
	ident  IdentitySource
	now    func() time.Time

	mu        sync.Mutex
	state     State
	route     string
	identity  string // identity seen by the last check
	renewedAt time.Time
	started   bool

	changes  chan State
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a lock for the tab tabID using the profile-scoped store shared.
func New(cfg Config, tabID string, shared kvstore.Store, ident IdentitySource, opts ...Option) (*Lock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tabID == "" {
		return nil, fmt.Errorf("%w: tab id required", ErrInvalidConfig)
	}

	l := &Lock{
		cfg:     cfg,
		tabID:   tabID,
		shared:  shared,
		ident:   ident,
		now:     time.Now,
		changes: make(chan State, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// TabID returns the id this lock claims leases with.
func (l *Lock) TabID() string {
	return l.tabID
}

// State returns the current lock state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Allowed reports whether protected content may be shown.
func (l *Lock) Allowed() bool {
	return l.State() != Blocked
}

// Changes delivers the latest state after each transition. Intermediate
// states are dropped if the reader falls behind.
func (l *Lock) Changes() <-chan State {
	return l.changes
}

// SetRoute records the route the tab is on. Checks use it to decide whether
// the lock applies at all.
func (l *Lock) SetRoute(route string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.route = route
}

// IsPublic reports whether route is in the public allow-list.
func (l *Lock) IsPublic(route string) bool {
	for _, p := range l.cfg.PublicPaths {
		if route == p || strings.HasPrefix(route, p+"/") {
			return true
		}
	}
	return false
}

// Check evaluates the lock once: public routes and guests are never locked, a
// fresh foreign lease blocks, otherwise the lease is claimed or renewed.
func (l *Lock) Check(ctx context.Context) State {
	l.mu.Lock()
	defer l.mu.Unlock()

	identity := l.ident.Current(ctx)

	if l.identity != "" && l.identity != identity {
		l.releaseLocked(ctx, l.identity)
	}
	l.identity = identity

	if l.IsPublic(l.route) {
		if l.state == Holding {
			l.releaseLocked(ctx, identity)
		}
		return l.setStateLocked(Unlocked)
	}

	if identity == "" {
		return l.setStateLocked(Unlocked)
	}

	now := l.now()

	lease, err := l.readLease(ctx, identity)
	if err != nil {
		log.Warn().Err(err).Str("tab_id", l.tabID).Msg("failed to read lease, allowing")
		return l.setStateLocked(Unlocked)
	}

	if lease != nil && lease.TabID != l.tabID && lease.Fresh(now, l.cfg.Timeout) {
		return l.setStateLocked(Blocked)
	}

	owned := lease != nil && lease.TabID == l.tabID
	if l.state == Holding && owned && now.Sub(l.renewedAt) < l.cfg.HeartbeatInterval {
		return Holding
	}

	if err := l.writeLease(ctx, identity, now); err != nil {
		log.Warn().Err(err).Str("tab_id", l.tabID).Msg("failed to write lease, allowing")
		return l.setStateLocked(Unlocked)
	}
	l.renewedAt = now

	return l.setStateLocked(Holding)
}

// HandleChange reacts to a write observed on the shared store. A foreign
// claim on this tab's lease blocks immediately without waiting for the next
// poll; removal of the logged-in user clears this tab's identity.
func (l *Lock) HandleChange(ctx context.Context, change kvstore.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if change.Key == l.cfg.UserKey && change.Deleted {
		l.releaseLocked(ctx, l.identity)
		if err := l.ident.Clear(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to clear identity after logout")
		}
		l.identity = ""
		l.setStateLocked(Unlocked)
		return
	}

	if l.IsPublic(l.route) || change.Deleted {
		return
	}

	identity := l.ident.Current(ctx)
	if identity == "" || change.Key != l.leaseKey(identity) {
		return
	}

	var lease Lease
	if err := json.Unmarshal([]byte(change.Value), &lease); err != nil {
		return
	}
	if lease.TabID != l.tabID {
		l.setStateLocked(Blocked)
	}
}

// Release deletes this tab's lease if it still owns it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.releaseLocked(ctx, l.identity)
	l.setStateLocked(Unlocked)
	return err
}

// Start runs the check loop and cross-tab notifications on route until ctx
// is cancelled or Stop is called. The lease is released on exit.
func (l *Lock) Start(ctx context.Context, route string) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.route = route
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	changes, err := l.shared.Watch(runCtx)
	if err != nil {
		// Polling alone still enforces the lock, only slower.
		log.Warn().Err(err).Msg("cross-tab notifications unavailable")
		changes = nil
	}

	go l.run(runCtx, cancel, changes)

	return nil
}

// Stop ends the loop started by Start and waits for the lease to be released.
func (l *Lock) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()

	if started {
		<-l.doneCh
	}
}

func (l *Lock) run(ctx context.Context, cancel context.CancelFunc, changes <-chan kvstore.Change) {
	defer close(l.doneCh)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	log.Debug().Str("tab_id", l.tabID).Dur("poll_interval", l.cfg.PollInterval).Msg("tab lock loop started")

	l.Check(ctx)

	for {
		select {
		case <-ticker.C:
			l.Check(ctx)

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			l.HandleChange(ctx, change)

		case <-l.stopCh:
			l.releaseOnExit()
			return

		case <-ctx.Done():
			l.releaseOnExit()
			return
		}
	}
}

func (l *Lock) releaseOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.Release(ctx); err != nil {
		log.Debug().Err(err).Str("tab_id", l.tabID).Msg("failed to release lease on exit")
	}
}

func (l *Lock) releaseLocked(ctx context.Context, identity string) error {
	if identity == "" {
		return nil
	}

	lease, err := l.readLease(ctx, identity)
	if err != nil {
		return err
	}
	if lease == nil || lease.TabID != l.tabID {
		return nil
	}

	if err := l.shared.Delete(ctx, l.leaseKey(identity)); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// readLease returns the identity's lease, or nil when it is absent or
// unreadable.
func (l *Lock) readLease(ctx context.Context, identity string) (*Lease, error) {
	raw, err := l.shared.Get(ctx, l.leaseKey(identity))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var lease Lease
	if err := json.Unmarshal([]byte(raw), &lease); err != nil {
		return nil, nil
	}
	return &lease, nil
}

func (l *Lock) writeLease(ctx context.Context, identity string, now time.Time) error {
	data, err := json.Marshal(Lease{TabID: l.tabID, Timestamp: now.UnixMilli()})
	if err != nil {
		return err
	}
	return l.shared.Set(ctx, l.leaseKey(identity), string(data))
}

func (l *Lock) leaseKey(identity string) string {
	return l.cfg.Prefix + "_active_tab_" + identity
}

func (l *Lock) setStateLocked(s State) State {
	if s == l.state {
		return s
	}

	log.Debug().
		Str("tab_id", l.tabID).
		Str("from", l.state.String()).
		Str("to", s.String()).
		Msg("tab lock state changed")

	l.state = s

	select {
	case <-l.changes:
	default:
	}
	select {
	case l.changes <- s:
	default:
	}

	return s
}
