package snapshot

import (
	"fmt"
	"os"
)

// PlanPrune returns the snapshots of set that fall outside the newest keep
// complete ones: older complete snapshots and any incomplete snapshot older
// than the oldest one kept. Newer incomplete snapshots are left alone since a
// run may still be writing them.
func (m *Manager) PlanPrune(set string, keep int) ([]Snapshot, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("keep must be > 0, got %d", keep)
	}
	snaps, err := m.List(set)
	if err != nil {
		return nil, err
	}
	kept := 0
	cut := -1
	for i := len(snaps) - 1; i >= 0; i-- {
		if !snaps[i].Complete {
			continue
		}
		kept++
		if kept == keep {
			cut = i
			break
		}
	}
	if cut <= 0 {
		return nil, nil
	}
	return append([]Snapshot(nil), snaps[:cut]...), nil
}

// Remove deletes snaps from set while holding the set lock, so a prune never
// races a backup run choosing its hardlink source.
func (m *Manager) Remove(set string, snaps []Snapshot) error {
	dir, err := m.setDir(set)
	if err != nil {
		return err
	}
	fl, err := lock(dir)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	for _, s := range snaps {
		if s.Set != set || !IsSnapshotName(s.Name) {
			return fmt.Errorf("refusing to remove %s: not a snapshot of %s", s.Path, set)
		}
		if err := os.RemoveAll(s.Path); err != nil {
			return fmt.Errorf("remove %s: %w", s.Path, err)
		}
		m.Log.WithField("set", set).WithField("snapshot", s.Name).Info("snapshot removed")
	}
	return nil
}
