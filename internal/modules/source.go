package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Source supplies the current content map. Revisions are swapped in whole;
// a request that already read a map keeps using it.
type Source interface {
	Current() *ContentMap
}

// StaticSource is a Source held in memory.
type StaticSource struct {
	current atomic.Pointer[ContentMap]
}

// NewStaticSource creates a StaticSource serving cm.
func NewStaticSource(cm *ContentMap) *StaticSource {
	s := &StaticSource{}
	s.current.Store(cm)
	return s
}

// Current implements [Source].
func (s *StaticSource) Current() *ContentMap {
	return s.current.Load()
}

// Update replaces the served map.
func (s *StaticSource) Update(cm *ContentMap) {
	s.current.Store(cm)
}

// FileSource serves a content map read from a JSON file.
type FileSource struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[ContentMap]

	mu        sync.Mutex
	listeners []func(*ContentMap)
}

// NewFileSource reads path. It fails if the file is missing or invalid.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve content map path: %w", err)
	}
	s := &FileSource{path: abs, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Current implements [Source].
func (s *FileSource) Current() *ContentMap {
	return s.current.Load()
}

// Path returns the absolute path of the file.
func (s *FileSource) Path() string {
	return s.path
}

// OnChange registers fn to run after every successful reload.
func (s *FileSource) OnChange(fn func(*ContentMap)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Reload re-reads the file. On failure the previous map stays current.
func (s *FileSource) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read content map: %w", err)
	}
	cm, err := ParseContentMap(data)
	if err != nil {
		return fmt.Errorf("parse content map %s: %w", s.path, err)
	}
	s.current.Store(cm)

	s.mu.Lock()
	listeners := append([]func(*ContentMap){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cm)
	}
	return nil
}

// Watch reloads the file whenever it changes, until ctx is cancelled.
//
// The parent directory is watched rather than the file so that editors and
// deploy tools that replace the file by rename are picked up.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	s.logger.Info("watching content map", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("content map reload failed, keeping previous revision", "error", err)
				continue
			}
			s.logger.Info("content map reloaded", "path", s.path, "key", s.Current().Key)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("content map watcher error", "error", err)
		}
	}
}
