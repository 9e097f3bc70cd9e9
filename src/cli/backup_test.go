package cli_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sshsnap/src/execx"
	"sshsnap/src/snapshot"
)

// relativeRsync makes the fake runner create what rsync --relative would:
// the full remote path below the destination.
func relativeRsync(c execx.Command) error {
	if c.Name != "rsync" || len(c.Args) < 2 {
		return nil
	}
	src, dst := c.Args[len(c.Args)-2], c.Args[len(c.Args)-1]
	_, remotePath, _ := strings.Cut(src, ":")
	return os.MkdirAll(filepath.Join(dst, remotePath), 0o755)
}

func setupBackup(t *testing.T) (string, *execx.FakeRunner) {
	t.Helper()
	root := t.TempDir()
	t.Setenv("SSHSNAP_HOST", "backup@wiki.example.org")
	t.Setenv("SSHSNAP_BACKUP_ROOT", root)
	fake := useFake(t)
	fake.Hook = relativeRsync
	stubTools(t, "3.2.7")
	return root, fake
}

func listJSON(t *testing.T) []snapshot.Snapshot {
	t.Helper()
	out, _, err := run(t, "list", "-o", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var snaps []snapshot.Snapshot
	if err := json.Unmarshal([]byte(out), &snaps); err != nil {
		t.Fatalf("decode list output %q: %v", out, err)
	}
	return snaps
}

func TestBackup_FirstRunThenLinksFromPrevious(t *testing.T) {
	root, fake := setupBackup(t)
	// An earlier complete run.
	prev := filepath.Join(root, "wiki", "2024-01-01T00:00:00+00:00")
	if err := os.MkdirAll(filepath.Join(prev, "files", "var", "www", "html", "wiki"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prev, snapshot.MarkerFile), []byte(`{"type":"snapshot","set":"wiki"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "backup", "wiki", "/var/www/html/wiki/=files/", "/etc/mysql/=config", "--rsync-opt", "--exclude=cache")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.Contains(out, "complete") {
		t.Fatalf("expected completion message, got %q", out)
	}

	calls := fake.CallsTo("rsync")
	if len(calls) != 2 {
		t.Fatalf("expected two rsync calls, got %d", len(calls))
	}
	if !hasArg(calls[0].Args, "--link-dest="+filepath.Join(prev, "files")) {
		t.Fatalf("first tree should hardlink from the previous snapshot: %v", calls[0].Args)
	}
	if !hasArg(calls[0].Args, "--exclude=cache") || !hasArg(calls[0].Args, "--relative") {
		t.Fatalf("expected default and extra options: %v", calls[0].Args)
	}
	for _, a := range calls[1].Args {
		if strings.HasPrefix(a, "--link-dest=") {
			t.Fatalf("config did not exist in the previous snapshot, got %s", a)
		}
	}

	snaps := listJSON(t)
	if len(snaps) != 2 || !snaps[1].Complete {
		t.Fatalf("expected the new snapshot to be complete: %+v", snaps)
	}
	newDir := snaps[1].Path
	if _, err := os.Stat(filepath.Join(newDir, "files", "var", "www", "html", "wiki")); err != nil {
		t.Fatalf("expected tree under files/: %v", err)
	}
	if len(snaps[1].Manifest.Sources) != 2 {
		t.Fatalf("manifest should record both sources: %+v", snaps[1].Manifest)
	}
}

func TestBackup_SyncFailureLeavesSnapshotIncomplete(t *testing.T) {
	_, fake := setupBackup(t)
	fake.Succeed("") // ssh master
	fake.Fail("rsync", 23, "rsync: some files could not be transferred")

	if _, _, err := run(t, "backup", "wiki", "/var/www/"); err == nil {
		t.Fatalf("expected sync failure")
	}
	snaps := listJSON(t)
	if len(snaps) != 1 || snaps[0].Complete {
		t.Fatalf("failed run must stay incomplete: %+v", snaps)
	}
}

func TestBackup_ExecScriptSeesSnapshotVariables(t *testing.T) {
	_, fake := setupBackup(t)
	script := "/usr/local/bin/dump-db"

	if _, _, err := run(t, "backup", "wiki", "/etc/", "--exec", script); err != nil {
		t.Fatalf("backup: %v", err)
	}
	calls := fake.CallsTo(script)
	if len(calls) != 1 {
		t.Fatalf("expected the script to run once, got %d", len(calls))
	}
	env := strings.Join(calls[0].Env, "\n")
	for _, want := range []string{"SSHSNAP_NEW_SNAPSHOT=", "SSHSNAP_PREVIOUS_SNAPSHOT=", "SSHSNAP_CONTROL_PATH="} {
		if !strings.Contains(env, want) {
			t.Fatalf("script env missing %s: %v", want, calls[0].Env)
		}
	}
}

func TestBackup_ExecScriptFailureKeepsSnapshotIncomplete(t *testing.T) {
	_, fake := setupBackup(t)
	script := "/usr/local/bin/dump-db"
	fake.Succeed("") // ssh master
	fake.Succeed("") // rsync
	fake.Fail(script, 2, "dump failed")

	if _, _, err := run(t, "backup", "wiki", "/etc/", "--exec", script); err == nil || !strings.Contains(err.Error(), "dump failed") {
		t.Fatalf("expected script failure, got %v", err)
	}
	if snaps := listJSON(t); len(snaps) != 1 || snaps[0].Complete {
		t.Fatalf("snapshot must stay incomplete: %+v", snaps)
	}
}

func TestBackup_RejectsRelativeRemote(t *testing.T) {
	_, fake := setupBackup(t)
	if _, _, err := run(t, "backup", "wiki", "var/www"); err == nil {
		t.Fatalf("expected usage error")
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("nothing should run, got %v", fake.Calls)
	}
}

func TestBackup_DryRun(t *testing.T) {
	root, fake := setupBackup(t)
	out, _, err := run(t, "--dry-run", "backup", "wiki", "/etc/=config")
	if err != nil {
		t.Fatalf("dry-run: %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("dry-run must not run anything, got %v", fake.Calls)
	}
	if !strings.Contains(out, "full copy") || !strings.Contains(out, "/etc/") {
		t.Fatalf("unexpected preview %q", out)
	}
	if entries, _ := os.ReadDir(filepath.Join(root, "wiki")); len(entries) != 0 {
		t.Fatalf("dry-run created snapshot state: %v", entries)
	}
}

func TestBackup_DryRunDoesNotCreateBackupRoot(t *testing.T) {
	root, fake := setupBackup(t)
	missing := filepath.Join(root, "fresh", "backups")
	t.Setenv("SSHSNAP_BACKUP_ROOT", missing)

	out, _, err := run(t, "--dry-run", "backup", "wiki", "/etc/")
	if err != nil {
		t.Fatalf("dry-run: %v", err)
	}
	if !strings.Contains(out, "full copy") {
		t.Fatalf("unexpected preview %q", out)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("dry-run must not run anything, got %v", fake.Calls)
	}
	if _, err := os.Stat(filepath.Join(root, "fresh")); !os.IsNotExist(err) {
		t.Fatalf("dry-run created the backup root, stat err=%v", err)
	}
}
