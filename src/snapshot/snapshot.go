// Package snapshot manages backup sets: named directories holding one
// timestamped snapshot per backup run, each a complete tree whose unchanged
// files are hardlinked to the previous complete snapshot.
//
// Layout:
//
//	<root>/<set>/.lock
//	<root>/<set>/<2006-01-02T15:04:05+00:00>/.sshsnap-complete.json
//	<root>/<set>/<2006-01-02T15:04:05+00:00>/<backed up trees>
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"sshsnap/src/failure"
)

// TimeLayout names snapshot directories. Names are always rendered in UTC so
// lexicographic order is chronological order.
const TimeLayout = "2006-01-02T15:04:05-07:00"

const (
	// MarkerFile is written into a snapshot once every sync into it succeeded.
	MarkerFile = ".sshsnap-complete.json"
	lockFile   = ".lock"
)

var namePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:[+-]\d{2}:\d{2}|Z)$`)

// IsSnapshotName reports whether name looks like a snapshot directory.
func IsSnapshotName(name string) bool {
	return namePattern.MatchString(name)
}

// Snapshot is one directory of a backup set.
type Snapshot struct {
	Set      string    `json:"set"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Time     time.Time `json:"time"`
	Complete bool      `json:"complete"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// Manifest is the content of MarkerFile.
type Manifest struct {
	Type        string    `json:"type"`
	Set         string    `json:"set"`
	RunID       string    `json:"run_id"`
	Previous    string    `json:"previous,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Sources     []Source  `json:"sources"`
}

// Source records one remote tree synced into a snapshot.
type Source struct {
	Remote string `json:"remote"`
	Dest   string `json:"dest"`
}

// Manager owns the backup root.
type Manager struct {
	Root string
	// Now defaults to time.Now.
	Now func() time.Time
	Log logrus.FieldLogger
}

// New returns a Manager for root, creating root when absent.
func New(root string, log logrus.FieldLogger) (*Manager, error) {
	m, err := Open(root, log)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, failure.Wrap(failure.KindConfig, "create backup root", err)
	}
	return m, nil
}

// Open returns a Manager for root without touching the filesystem. A missing
// root reads as having no snapshots.
func Open(root string, log logrus.FieldLogger) (*Manager, error) {
	if root == "" {
		return nil, failure.New(failure.KindConfig, "snapshot", "backup root must not be empty")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{Root: root, Now: time.Now, Log: log}, nil
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) setDir(set string) (string, error) {
	if err := validateSetName(set); err != nil {
		return "", err
	}
	return filepath.Join(m.Root, set), nil
}

func validateSetName(set string) error {
	switch {
	case strings.TrimSpace(set) == "":
		return failure.New(failure.KindUsage, "backup set", "name must not be empty")
	case strings.ContainsAny(set, `/\`) || set == "." || set == "..":
		return failure.New(failure.KindUsage, "backup set", "name must be a single path element: %q", set)
	case strings.HasPrefix(set, "."):
		return failure.New(failure.KindUsage, "backup set", "name must not start with '.': %q", set)
	}
	return nil
}

// Sets returns the names of the backup sets under the root, sorted.
func (m *Manager) Sets() ([]string, error) {
	entries, err := os.ReadDir(m.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// List returns the snapshots of set, oldest first. A missing set is empty.
func (m *Manager) List(set string) ([]Snapshot, error) {
	dir, err := m.setDir(set)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() || !IsSnapshotName(e.Name()) {
			continue
		}
		s := Snapshot{Set: set, Name: e.Name(), Path: filepath.Join(dir, e.Name())}
		s.Time, _ = time.Parse(TimeLayout, strings.Replace(e.Name(), "Z", "+00:00", 1))
		mf, err := readManifest(filepath.Join(s.Path, MarkerFile))
		switch {
		case err == nil:
			s.Complete = true
			s.Manifest = mf
		case errors.Is(err, fs.ErrNotExist):
		default:
			m.Log.WithError(err).WithField("snapshot", s.Path).Warn("unreadable completion marker; treating snapshot as incomplete")
		}
		snaps = append(snaps, s)
	}
	// Explicit sort: selection must not depend on directory iteration order.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps, nil
}

// Latest returns the most recent complete snapshot of set, or nil.
func (m *Manager) Latest(set string) (*Snapshot, error) {
	snaps, err := m.List(set)
	if err != nil {
		return nil, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Complete {
			return &snaps[i], nil
		}
	}
	return nil, nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mf Manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &mf, nil
}

// lock takes the exclusive set lock without waiting.
func lock(setDir string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(setDir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", setDir, err)
	}
	if !ok {
		return nil, failure.New(failure.KindCollision, "lock backup set", "%s is in use by another run", setDir)
	}
	return fl, nil
}
