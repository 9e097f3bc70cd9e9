// Package backup pulls remote trees into the snapshot prepared for a run.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sshsnap/src/failure"
	"sshsnap/src/snapshot"
)

// Puller is the sync step the driver delegates to; transfer.Syncer
// implements it.
type Puller interface {
	Pull(ctx context.Context, remoteSource, localDest, linkDest string, extra []string) error
}

// Driver backs up into one prepared snapshot.
type Driver struct {
	Plan   *snapshot.Plan
	Puller Puller
}

// Target is one remote tree and where it lands inside the snapshot.
type Target struct {
	Remote string
	Dest   string
}

// ParseTarget parses REMOTE[=DEST]. DEST defaults to the snapshot root. The
// last "=" separates the two, so a REMOTE containing "=" needs an explicit,
// possibly empty, DEST: "/srv/a=b=" backs up /srv/a=b into the root.
func ParseTarget(s string) (Target, error) {
	remote, dest := s, ""
	if i := strings.LastIndex(s, "="); i >= 0 {
		remote, dest = s[:i], s[i+1:]
	}
	if !strings.HasPrefix(remote, "/") {
		return Target{}, failure.New(failure.KindUsage, "backup", "remote source must be an absolute path: %q", s)
	}
	return Target{Remote: remote, Dest: dest}, nil
}

// Destination returns where destSubpath lives under snapshotDir. Leading
// slashes are dropped and the path is cleaned as if rooted, so neither an
// absolute subpath nor ".." can leave the snapshot.
func Destination(snapshotDir, destSubpath string) string {
	rel := strings.TrimPrefix(filepath.Clean("/"+destSubpath), "/")
	if rel == "" {
		return snapshotDir
	}
	return filepath.Join(snapshotDir, rel)
}

// Backup syncs remoteSource into New/destSubpath. When a previous complete
// snapshot exists, unchanged files are hardlinked from the same subpath in
// it; otherwise the tree is copied in full. extra is forwarded to rsync after
// its default options.
func (d *Driver) Backup(ctx context.Context, remoteSource, destSubpath string, extra []string) error {
	if !strings.HasPrefix(remoteSource, "/") {
		return failure.New(failure.KindUsage, "backup", "remote source must be absolute: %q", remoteSource)
	}
	dest := Destination(d.Plan.New, destSubpath)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	var linkDest string
	if d.Plan.HasPrevious() {
		candidate := Destination(d.Plan.Previous, destSubpath)
		// A tree added since the previous run has nothing to link against.
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			linkDest = candidate
		}
	}

	if err := d.Puller.Pull(ctx, remoteSource, dest, linkDest, extra); err != nil {
		return err
	}
	d.Plan.Record(remoteSource, destSubpath)
	return nil
}

// Run backs up every target in order, stopping at the first failure.
func (d *Driver) Run(ctx context.Context, targets []Target, extra []string) error {
	for _, t := range targets {
		if err := d.Backup(ctx, t.Remote, t.Dest, extra); err != nil {
			return err
		}
	}
	return nil
}

// Finish marks the snapshot complete.
func (d *Driver) Finish() error {
	return d.Plan.Complete()
}
