package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store holds the active compiled policy snapshot. Readers always observe a
// complete document: reload builds a whole new engine and swaps the pointer
// atomically, so no caller ever sees a half-updated policy.
type Store struct {
	engine atomic.Pointer[Engine]

	path         string
	manifestPath string
	log          *slog.Logger
}

// NewStore compiles doc and installs it as the active snapshot. path and
// manifestPath (either may be empty) configure authorized file reloads.
func NewStore(doc *Document, path, manifestPath string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	engine, err := NewEngine(doc)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, manifestPath: manifestPath, log: log}
	s.engine.Store(engine)
	return s, nil
}

// OpenStore loads the document at path and builds a store around it.
func OpenStore(path, manifestPath string, log *slog.Logger) (*Store, error) {
	doc, err := loadVerified(path, manifestPath)
	if err != nil {
		return nil, err
	}
	return NewStore(doc, path, manifestPath, log)
}

// Engine returns the active compiled snapshot.
func (s *Store) Engine() *Engine { return s.engine.Load() }

// Document returns the active policy document.
func (s *Store) Document() *Document { return s.engine.Load().Document() }

// Replace compiles doc and atomically installs it. On any error the previous
// snapshot stays active.
func (s *Store) Replace(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}
	engine, err := NewEngine(doc)
	if err != nil {
		return err
	}
	old := s.engine.Swap(engine)
	s.log.Info("policy replaced",
		"name", doc.Name,
		"version", doc.Version,
		"previous_version", old.Document().Version)
	return nil
}

// Reload re-reads the bound policy file and swaps it in.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("store has no policy file bound")
	}
	doc, err := loadVerified(s.path, s.manifestPath)
	if err != nil {
		return err
	}
	return s.Replace(doc)
}

func loadVerified(path, manifestPath string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if manifestPath != "" {
		if err := VerifyManifest(path, data, manifestPath); err != nil {
			return nil, err
		}
	}
	return Parse(data)
}

// Watch reloads the bound policy file when it changes on disk, until ctx is
// canceled. A failed reload keeps the previous snapshot and logs the error.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("store has no policy file bound")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors replace files by rename, which drops the
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.log.Error("policy reload failed, keeping previous snapshot", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
