// Package diagnostics collects client crash dumps, heartbeats and console
// reports so a stuck or crashed client can be inspected from the worker.
package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const defaultKeepDumps = 50

// Snapshot is the crash:snapshot payload.
type Snapshot struct {
	ClientID string         `json:"clientId" yaml:"clientId" validate:"required"`
	Reason   string         `json:"reason" yaml:"reason"`
	State    map[string]any `json:"state,omitempty" yaml:"state,omitempty"`
}

// CrashDump is a snapshot as written to disk.
type CrashDump struct {
	Snapshot   `yaml:",inline"`
	CapturedAt time.Time `json:"capturedAt" yaml:"capturedAt"`
	File       string    `json:"file" yaml:"-"`
}

// CrashStore keeps crash dumps as individual YAML files, one per snapshot,
// pruning the oldest beyond the keep limit.
type CrashStore struct {
	fs   afero.Fs
	dir  string
	keep int
	mu   sync.Mutex
}

// NewCrashStore creates a store rooted at dir. keep <= 0 uses the default.
func NewCrashStore(fs afero.Fs, dir string, keep int) *CrashStore {
	if keep <= 0 {
		keep = defaultKeepDumps
	}
	return &CrashStore{fs: fs, dir: dir, keep: keep}
}

// Save writes dump and returns the file name.
func (s *CrashStore) Save(dump CrashDump) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	data, err := yaml.Marshal(&dump)
	if err != nil {
		return "", fmt.Errorf("marshal crash dump: %w", err)
	}
	name := fmt.Sprintf("%s-%s.yaml", dump.CapturedAt.UTC().Format("20060102T150405.000"), safeName(dump.ClientID))
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write crash dump: %w", err)
	}
	s.pruneLocked()
	return name, nil
}

// List returns stored dumps, newest first. Corrupt files are skipped.
func (s *CrashStore) List() ([]CrashDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.namesLocked()
	if err != nil {
		return nil, err
	}
	dumps := make([]CrashDump, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, names[i]))
		if err != nil {
			continue
		}
		var dump CrashDump
		if err := yaml.Unmarshal(data, &dump); err != nil {
			continue
		}
		dump.File = names[i]
		dumps = append(dumps, dump)
	}
	return dumps, nil
}

// Count returns the number of stored dumps.
func (s *CrashStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, _ := s.namesLocked()
	return len(names)
}

// namesLocked lists dump files oldest first; names sort by capture time.
func (s *CrashStore) namesLocked() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read crash dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *CrashStore) pruneLocked() {
	names, err := s.namesLocked()
	if err != nil || len(names) <= s.keep {
		return
	}
	for _, name := range names[:len(names)-s.keep] {
		_ = s.fs.Remove(filepath.Join(s.dir, name))
	}
}

func safeName(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
