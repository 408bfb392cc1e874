package pathpolicy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultReloadDelay = 100 * time.Millisecond

// Store holds the current Policy snapshot. Readers always see a complete
// snapshot; Swap replaces it atomically.
type Store struct {
	current     atomic.Pointer[Policy]
	reloads     atomic.Int64
	ReloadDelay time.Duration
}

// NewStore returns a store seeded with p, or the built-in policy when p is nil.
func NewStore(p *Policy) *Store {
	if p == nil {
		p = Default()
	}
	s := &Store{ReloadDelay: defaultReloadDelay}
	s.current.Store(p)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Policy {
	return s.current.Load()
}

// Swap installs p as the current snapshot.
func (s *Store) Swap(p *Policy) {
	s.current.Store(p)
	s.reloads.Add(1)
}

// Reloads counts successful swaps.
func (s *Store) Reloads() int64 {
	return s.reloads.Load()
}

// Watch reloads file whenever it changes until ctx is cancelled. The parent
// directory is watched so editors that replace the file by rename are seen.
// A file that fails to load or validate leaves the current snapshot in place.
func (s *Store) Watch(ctx context.Context, file string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(file)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	delay := s.ReloadDelay
	if delay <= 0 {
		delay = defaultReloadDelay
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(delay)
			} else {
				timer.Reset(delay)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		case <-fire:
			fire = nil
			p, err := LoadFile(target)
			if err != nil {
				slog.Warn("policy reload rejected, keeping current snapshot", "file", target, "error", err)
				continue
			}
			s.Swap(p)
			slog.Info("policy reloaded", "file", target)
		}
	}
}
