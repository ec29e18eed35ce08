// Package app constructs the client context: stores, identity, tab lock,
// push channel, session client and answer cache. New builds everything on
// start and Close tears it down in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/internal/answers"
	"github.com/wolfeidau/pollsync/internal/client"
	"github.com/wolfeidau/pollsync/internal/config"
	"github.com/wolfeidau/pollsync/internal/identity"
	"github.com/wolfeidau/pollsync/internal/kvstore"
	"github.com/wolfeidau/pollsync/internal/push"
	"github.com/wolfeidau/pollsync/internal/session"
	"github.com/wolfeidau/pollsync/internal/tablock"
)

// ErrBlocked is returned when the acting identity holds a live lease in
// another instance.
var ErrBlocked = errors.New("identity is active in another instance")

// Options select how this instance starts.
type Options struct {
	Config config.Config
	// Identity is established as the acting identity when set.
	Identity string
	// Token is a bearer token. Its email claim becomes the acting identity
	// and it is sent on the push connection.
	Token string
	// CreatorID replaces the generated creator id, to administer a session
	// created by an earlier instance.
	CreatorID string
	// Realtime starts the push channel.
	Realtime bool
}

// App is one client instance, the equivalent of a browser tab.
type App struct {
	Config config.Config

	Tab      kvstore.Store
	Profile  kvstore.Store
	Identity *identity.Resolver
	Lock     *tablock.Lock
	Push     *push.Channel
	Sessions *session.Client
	Answers  *answers.Cache

	closers []func() error
}

// New wires the components. On error everything already built is closed.
func New(ctx context.Context, opts Options) (_ *App, err error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Tab = kvstore.NewMemory()
	a.closers = append(a.closers, a.Tab.Close)

	a.Profile, err = openProfile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Profile.Close)

	a.Identity = identity.NewResolver(a.Tab, cfg.Prefix)
	if err := a.establish(ctx, opts); err != nil {
		return nil, err
	}

	if opts.CreatorID != "" {
		if err := a.Identity.AdoptCreatorID(ctx, opts.CreatorID); err != nil {
			return nil, err
		}
	}

	tabID, err := a.Identity.TabID(ctx)
	if err != nil {
		return nil, err
	}
	creatorID, err := a.Identity.CreatorID(ctx)
	if err != nil {
		return nil, err
	}

	lockCfg := tablock.DefaultConfig()
	lockCfg.Prefix = cfg.Prefix
	lockCfg.PollInterval = cfg.Lock.PollInterval
	lockCfg.HeartbeatInterval = cfg.Lock.HeartbeatInterval
	lockCfg.Timeout = cfg.Lock.Timeout
	if len(cfg.Lock.PublicPaths) > 0 {
		lockCfg.PublicPaths = cfg.Lock.PublicPaths
	}

	a.Lock, err = tablock.New(lockCfg, tabID, a.Profile, a.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create tab lock: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.Lock.Stop()
		return nil
	})

	httpCfg := client.DefaultConfig()
	httpCfg.CacheDir = cfg.CacheDir
	httpCfg.NoCache = cfg.NoCache
	if cfg.HTTPTimeout > 0 {
		httpCfg.Timeout = cfg.HTTPTimeout
	}

	sessionCfg := session.Config{
		ServerURL:  cfg.Server,
		HTTPClient: client.NewHTTPClient(httpCfg),
		Profile:    a.Profile,
		Prefix:     cfg.Prefix,
		CreatorID:  creatorID,
		UserKey:    lockCfg.UserKey,
	}

	if opts.Realtime && !cfg.Push.Disabled {
		a.Push, err = startPush(ctx, cfg, opts.Token)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Push.Close)
		sessionCfg.Push = a.Push
	}

	a.Sessions = session.New(ctx, sessionCfg)
	a.closers = append(a.closers, func() error {
		a.Sessions.Close()
		return nil
	})

	a.Answers = answers.New(a.Profile, a.Sessions, cfg.Prefix)

	log.Debug().
		Str("tab_id", tabID).
		Str("identity", a.Identity.Current(ctx)).
		Bool("realtime", a.Push != nil).
		Msg("client started")

	return a, nil
}

// Guard claims the tab lock for route and keeps it running. It fails with
// ErrBlocked when another instance holds the identity's lease. The returned
// context is cancelled with cause ErrBlocked if the lease is lost later, and
// is cancelled on Close.
func (a *App) Guard(ctx context.Context, route string) (context.Context, error) {
	a.Lock.SetRoute(route)
	a.Lock.Check(ctx)
	if !a.Lock.Allowed() {
		return nil, ErrBlocked
	}

	if err := a.Lock.Start(ctx, route); err != nil {
		return nil, fmt.Errorf("failed to start tab lock: %w", err)
	}

	guarded, cancel := context.WithCancelCause(ctx)
	go func() {
		for {
			select {
			case <-guarded.Done():
				return
			case state := <-a.Lock.Changes():
				if state == tablock.Blocked {
					log.Warn().Str("route", route).Msg("identity became active in another instance")
					cancel(ErrBlocked)
					return
				}
			}
		}
	}()

	a.closers = append(a.closers, func() error {
		cancel(context.Canceled)
		return nil
	})

	return guarded, nil
}

// Close stops every component in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) establish(ctx context.Context, opts Options) error {
	switch {
	case opts.Token != "":
		email, err := identity.EmailFromToken(opts.Token)
		if err != nil {
			return err
		}
		return a.Identity.Establish(ctx, email)
	case opts.Identity != "":
		return a.Identity.Establish(ctx, opts.Identity)
	}
	return nil
}

func openProfile(ctx context.Context, cfg config.Config) (kvstore.Store, error) {
	if cfg.RedisURL != "" {
		store, err := kvstore.NewRedisFromURL(ctx, cfg.RedisURL, cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis profile: %w", err)
		}
		return store, nil
	}

	store, err := kvstore.NewFile(cfg.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile directory: %w", err)
	}
	return store, nil
}

func startPush(ctx context.Context, cfg config.Config, token string) (*push.Channel, error) {
	endpoint, err := push.EndpointFromServer(cfg.Server)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ch := push.New(push.Config{
		URL:            endpoint,
		Header:         header,
		ReconnectDelay: cfg.Push.ReconnectDelay,
		MaxReconnects:  uint(cfg.Push.MaxReconnects),
	})
	if err := ch.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start push channel: %w", err)
	}
	return ch, nil
}
