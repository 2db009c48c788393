package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Source yields the policy in effect right now. Callers must not cache the
// returned pointer across calls.
type Source interface {
	Current() *Policy
}

// StaticSource serves a fixed policy that can be swapped explicitly.
type StaticSource struct {
	p atomic.Pointer[Policy]
}

func NewStaticSource(p *Policy) *StaticSource {
	s := &StaticSource{}
	s.p.Store(p)
	return s
}

func (s *StaticSource) Current() *Policy {
	return s.p.Load()
}

func (s *StaticSource) Set(p *Policy) {
	s.p.Store(p)
}

// FileSource loads the policy from a YAML file and reloads it whenever the
// file is written. A document that fails to parse or validate is logged and
// the previous policy stays in effect.
type FileSource struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration
	current  atomic.Pointer[Policy]
	version  atomic.Int64
}

// NewFileSource reads path once. A missing file yields the default policy.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	s := &FileSource{
		path:     path,
		logger:   logger,
		debounce: 200 * time.Millisecond,
	}
	p, err := s.read()
	if err != nil {
		return nil, err
	}
	s.current.Store(p)
	s.version.Add(1)
	return s, nil
}

func (s *FileSource) Current() *Policy {
	return s.current.Load()
}

// Version increments on every successful load.
func (s *FileSource) Version() int64 {
	return s.version.Load()
}

func (s *FileSource) read() (*Policy, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("policy file not found, using defaults", "path", s.path)
			return Default(), nil
		}
		return nil, fmt.Errorf("read policy %s: %w", s.path, err)
	}
	return Parse(data)
}

// Reload re-reads the file and swaps the policy on success.
func (s *FileSource) Reload() error {
	p, err := s.read()
	if err != nil {
		return err
	}
	s.current.Store(p)
	s.version.Add(1)
	s.logger.Info("policy reloaded", "path", s.path, "version", s.version.Load())
	return nil
}

// Watch blocks until ctx is done, reloading on file changes. The parent
// directory is watched so that editors replacing the file by rename are
// picked up.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events for one save.
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("policy reload rejected, keeping previous", "path", s.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", "error", err)
		}
	}
}
