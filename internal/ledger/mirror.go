package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tymefrontier/gatekeeper/pkg/types"
)

// Mirror appends ledger entries to a size-rotated JSONL file for offline
// recorders. The mirror is observational: the SQLite chain stays
// authoritative and a mirror failure never fails an append.
type Mirror struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

func NewMirror(path string, maxSizeMB, maxBackups int) (*Mirror, error) {
	if path == "" {
		return nil, fmt.Errorf("mirror path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir mirror dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}
	return &Mirror{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		file:       f,
	}, nil
}

func (m *Mirror) Write(entry types.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.rotateIfNeededLocked(); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := m.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write mirror: %w", err)
	}
	return nil
}

func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Close()
	}
	return nil
}

func (m *Mirror) rotateIfNeededLocked() error {
	if m.file == nil {
		return fmt.Errorf("mirror file not open")
	}
	st, err := m.file.Stat()
	if err != nil {
		return fmt.Errorf("stat mirror: %w", err)
	}
	if st.Size() < m.maxBytes {
		return nil
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}
	for i := m.maxBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", m.path, i)
		to := fmt.Sprintf("%s.%d", m.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = os.Rename(m.path, fmt.Sprintf("%s.1", m.path))

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen mirror: %w", err)
	}
	m.file = f
	return nil
}
