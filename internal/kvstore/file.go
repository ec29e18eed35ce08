package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

var _ Store = (*File)(nil)

const tempPrefix = ".tmp-"

// File is a profile-scoped store keeping one file per key in a directory.
// Several client processes pointed at the same directory share its contents,
// and Watch reports writes made by any of them.
type File struct {
	baseDir string

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewFile creates a file store rooted at baseDir.
// If baseDir is empty, uses ~/.pollsync/profile/
func NewFile(baseDir string) (*File, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".pollsync", "profile")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	log.Debug().Str("baseDir", baseDir).Msg("profile store initialized")

	return &File{
		baseDir: baseDir,
		closeCh: make(chan struct{}),
	}, nil
}

// Dir returns the directory backing the store.
func (f *File) Dir() string {
	return f.baseDir
}

func (f *File) Get(ctx context.Context, key string) (string, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return string(data), nil
}

// Set writes the value to a temp file and renames it over the key's file, so
// readers in other processes see either the old or the new value.
func (f *File) Set(ctx context.Context, key, value string) error {
	tmp, err := os.CreateTemp(f.baseDir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}

	if err := os.Rename(tempPath, f.path(key)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save key %q: %w", key, err)
	}

	return nil
}

func (f *File) Delete(ctx context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key %q: %w", key, err)
	}
	return nil
}

func (f *File) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(f.baseDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch profile directory: %w", err)
	}

	ch := make(chan Change, watchBuffer)

	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.closeCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				change, ok := f.translate(ctx, event)
				if !ok {
					continue
				}
				select {
				case ch <- change:
				case <-ctx.Done():
					return
				case <-f.closeCh:
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("baseDir", f.baseDir).Msg("profile store watch error")
			}
		}
	}()

	return ch, nil
}

func (f *File) Close() error {
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

// translate maps a filesystem event onto a key change. Temp files and
// events that cannot be attributed to a key are skipped.
func (f *File) translate(ctx context.Context, event fsnotify.Event) (Change, bool) {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, tempPrefix) {
		return Change{}, false
	}

	key, err := url.QueryUnescape(name)
	if err != nil {
		return Change{}, false
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		return Change{Key: key, Deleted: true}, true
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return Change{}, false
	}

	value, err := f.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Change{Key: key, Deleted: true}, true
	}
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("failed to read changed key")
		return Change{}, false
	}

	return Change{Key: key, Value: value}, true
}

func (f *File) path(key string) string {
	return filepath.Join(f.baseDir, url.QueryEscape(key))
}
