package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"sshsnap/src/config"
	"sshsnap/src/failure"
)

// Plan is the outcome of Prepare: the snapshot being written and the one it
// may hardlink from. The set stays locked until Close.
type Plan struct {
	Set    string
	SetDir string
	// Previous is the latest complete snapshot directory, or "" on the
	// first run of the set.
	Previous string
	New      string
	RunID    string

	started  time.Time
	mgr      *Manager
	lock     *flock.Flock
	sources  []Source
	complete bool
}

// Prepare locks set, picks the latest complete snapshot as the hardlink
// source and creates a fresh snapshot directory named after the current
// time. An existing directory with that name is never reused.
func (m *Manager) Prepare(set string) (*Plan, error) {
	dir, err := m.setDir(set)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup set: %w", err)
	}
	fl, err := lock(dir)
	if err != nil {
		return nil, err
	}
	plan, err := m.prepareLocked(set, dir)
	if err != nil {
		fl.Unlock()
		return nil, err
	}
	plan.lock = fl
	return plan, nil
}

func (m *Manager) prepareLocked(set, dir string) (*Plan, error) {
	snaps, err := m.List(set)
	if err != nil {
		return nil, err
	}
	log := m.Log.WithField("set", set)

	var previous string
	for i := len(snaps) - 1; i >= 0; i-- {
		if snaps[i].Complete {
			previous = snaps[i].Path
			break
		}
		log.WithField("snapshot", snaps[i].Name).Warn("skipping incomplete snapshot as hardlink source")
	}

	now := m.now().UTC()
	name := now.Format(TimeLayout)
	if n := len(snaps); n > 0 && snaps[n-1].Name >= name {
		return nil, failure.New(failure.KindCollision, "prepare snapshot",
			"new snapshot %s does not sort after existing %s", name, snaps[n-1].Name)
	}
	newDir := filepath.Join(dir, name)
	if err := os.Mkdir(newDir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, failure.New(failure.KindCollision, "prepare snapshot", "snapshot %s already exists", newDir)
		}
		return nil, fmt.Errorf("create snapshot: %w", err)
	}

	plan := &Plan{
		Set:      set,
		SetDir:   dir,
		Previous: previous,
		New:      newDir,
		RunID:    uuid.NewString(),
		started:  now,
		mgr:      m,
	}
	fields := logrus.Fields{"snapshot": newDir, "run_id": plan.RunID}
	if previous != "" {
		fields["previous"] = previous
		log.WithFields(fields).Info("new snapshot; unchanged files will be hardlinked from the previous snapshot")
	} else {
		log.WithFields(fields).Info("new snapshot; no previous snapshot, taking a full copy")
	}
	return plan, nil
}

// HasPrevious reports whether hardlink acceleration is available.
func (p *Plan) HasPrevious() bool { return p.Previous != "" }

// Env returns the derived variables for scripts that write into the new
// snapshot. The previous snapshot variable is empty on a first run.
func (p *Plan) Env() []string {
	return []string{
		config.EnvPreviousSnapshot + "=" + p.Previous,
		config.EnvNewSnapshot + "=" + p.New,
	}
}

// Record notes a source synced into the snapshot for the manifest.
func (p *Plan) Record(remote, dest string) {
	p.sources = append(p.sources, Source{Remote: remote, Dest: dest})
}

// Complete writes the completion marker. Only completed snapshots are ever
// chosen as a later run's hardlink source.
func (p *Plan) Complete() error {
	if p.complete {
		return nil
	}
	mf := Manifest{
		Type:        "snapshot",
		Set:         p.Set,
		RunID:       p.RunID,
		StartedAt:   p.started,
		CompletedAt: p.mgr.now().UTC(),
		Sources:     p.sources,
	}
	if mf.Sources == nil {
		mf.Sources = []Source{}
	}
	if p.Previous != "" {
		mf.Previous = filepath.Base(p.Previous)
	}
	if err := writeJSONAtomic(filepath.Join(p.New, MarkerFile), mf); err != nil {
		return fmt.Errorf("mark snapshot complete: %w", err)
	}
	p.complete = true
	p.mgr.Log.WithFields(logrus.Fields{"set": p.Set, "snapshot": p.New}).Info("snapshot complete")
	return nil
}

// Close releases the set lock. An uncompleted snapshot stays on disk,
// visible to List but never used as a hardlink source.
func (p *Plan) Close() error {
	if p.lock == nil {
		return nil
	}
	if !p.complete {
		p.mgr.Log.WithFields(logrus.Fields{"set": p.Set, "snapshot": p.New}).Warn("snapshot left incomplete")
	}
	err := p.lock.Unlock()
	p.lock = nil
	return err
}

func writeJSONAtomic(path string, v any) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
