package cli_test

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sshsnap/src/execx"
)

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestRemotely_EscapesOverPrivateMaster(t *testing.T) {
	t.Setenv("SSHSNAP_HOST", "deploy@web1:2222")
	fake := useFake(t)

	if _, _, err := run(t, "remotely", "--", "mkdir", "-p", "/srv/my site"); err != nil {
		t.Fatalf("remotely failed: %v", err)
	}
	calls := fake.CallsTo("ssh")
	if len(calls) != 3 {
		t.Fatalf("expected master, command and exit; got %d calls: %v", len(calls), calls)
	}
	if !hasArg(calls[0].Args, "-f") || !hasArg(calls[0].Args, "ControlMaster=auto") {
		t.Fatalf("first call should start the master: %v", calls[0].Args)
	}
	cmdArgs := calls[1].Args
	wantTail := []string{"--", "web1", ` "mkdir" "-p" "/srv/my site"`}
	if diff := cmp.Diff(wantTail, cmdArgs[len(cmdArgs)-3:]); diff != "" {
		t.Fatalf("remote command (-want +got):\n%s", diff)
	}
	for _, want := range []string{"-l", "deploy", "-p", "2222"} {
		if !hasArg(cmdArgs, want) {
			t.Fatalf("missing %q in %v", want, cmdArgs)
		}
	}
	if !hasArg(calls[2].Args, "exit") {
		t.Fatalf("last call should stop the private master: %v", calls[2].Args)
	}
}

func TestRemotely_NoEscapeAndIgnoreFailure(t *testing.T) {
	t.Setenv("SSHSNAP_HOST", "web1")
	fake := useFake(t)
	// Master start succeeds, the command itself fails.
	fake.Succeed("")
	fake.Fail("ssh", 1, "exists")
	if _, _, err := run(t, "remotely", "--no-escape", "--ignore-failure", "mkdir", "/srv/x", "2>/dev/null"); err != nil {
		t.Fatalf("--ignore-failure should swallow the exit status: %v", err)
	}
	args := fake.CallsTo("ssh")[1].Args
	if diff := cmp.Diff([]string{"--", "web1", "mkdir", "/srv/x", "2>/dev/null"}, args[len(args)-5:]); diff != "" {
		t.Fatalf("unescaped command (-want +got):\n%s", diff)
	}

	fake = useFake(t)
	fake.Succeed("")
	fake.Fail("ssh", 1, "exists")
	_, _, err := run(t, "remotely", "mkdir", "/srv/x")
	if err == nil || !strings.Contains(err.Error(), "exited with status 1") {
		t.Fatalf("expected remote failure, got %v", err)
	}
}

func TestRemotely_DryRunDoesNotConnect(t *testing.T) {
	t.Setenv("SSHSNAP_HOST", "web1")
	fake := useFake(t)
	out, _, err := run(t, "--dry-run", "remotely", "rm", "-rf", "/srv/old")
	if err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("dry-run must not run anything, got %v", fake.Calls)
	}
	if !strings.Contains(out, `"rm" "-rf" "/srv/old"`) {
		t.Fatalf("expected escaped preview, got %q", out)
	}
}

func TestRemotely_DryRunNoEscapeShowsRawWords(t *testing.T) {
	t.Setenv("SSHSNAP_HOST", "web1")
	fake := useFake(t)
	out, _, err := run(t, "--dry-run", "remotely", "--no-escape", "echo", "$HOME", ">", "/tmp/home")
	if err != nil {
		t.Fatalf("dry-run failed: %v", err)
	}
	if len(fake.Calls) != 0 {
		t.Fatalf("dry-run must not run anything, got %v", fake.Calls)
	}
	if !strings.Contains(out, "web1: echo $HOME > /tmp/home\n") {
		t.Fatalf("expected the words as the remote shell gets them, got %q", out)
	}
}

func TestConnect_RequiresControlPath(t *testing.T) {
	t.Setenv("SSHSNAP_HOST", "web1")
	useFake(t)
	if _, _, err := run(t, "connect"); err == nil || !strings.Contains(err.Error(), "SSHSNAP_CONTROL_PATH") {
		t.Fatalf("expected control path error, got %v", err)
	}
}

func TestConnectAndDisconnect_SharedMaster(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "web1.sock")
	t.Setenv("SSHSNAP_HOST", "web1")
	t.Setenv("SSHSNAP_CONTROL_PATH", sock)

	fake := useFake(t)
	// No live master behind the socket yet.
	fake.Fail("ssh", 255, "Control socket connect: No such file or directory")
	out, _, err := run(t, "connect")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	calls := fake.CallsTo("ssh")
	if len(calls) != 2 || !hasArg(calls[0].Args, "check") || !hasArg(calls[1].Args, "-f") {
		t.Fatalf("expected check then master start, got %v", calls)
	}
	if !hasArg(calls[1].Args, "ControlPath="+sock) {
		t.Fatalf("master must use the shared socket: %v", calls[1].Args)
	}
	if !strings.Contains(out, sock) {
		t.Fatalf("expected control path in output, got %q", out)
	}

	fake = useFake(t)
	if _, _, err := run(t, "disconnect"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	calls = fake.CallsTo("ssh")
	if len(calls) != 1 || !hasArg(calls[0].Args, "exit") {
		t.Fatalf("expected a single exit request, got %v", calls)
	}
}

func TestUpload_ResolvesAgainstFileRoot(t *testing.T) {
	root := t.TempDir()
	t.Setenv("SSHSNAP_HOST", "deploy@web1")
	t.Setenv("SSHSNAP_FILE_ROOT", root)
	fake := useFake(t)
	stubTools(t, "3.2.7")

	if _, _, err := run(t, "upload", "site/", "/var/www/", "--", "--delete", "--exclude=.git"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	calls := fake.CallsTo("rsync")
	if len(calls) != 1 {
		t.Fatalf("expected one rsync call, got %d", len(calls))
	}
	args := calls[0].Args
	want := []string{"--delete", "--exclude=.git", filepath.Join(root, "site") + "/", "web1:/var/www/"}
	if diff := cmp.Diff(want, args[len(args)-4:]); diff != "" {
		t.Fatalf("rsync tail (-want +got):\n%s", diff)
	}
}

func TestRender_WritesOutputs(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "etc", "app.conf.m4")
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte("port=getenv(`PORT')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SSHSNAP_FILE_ROOT", root)
	fake := useFake(t)
	fake.Hook = func(c execx.Command) error {
		_, err := io.WriteString(c.Stdout, "port=80\n")
		return err
	}
	stubTools(t, "1.4.19")

	out, _, err := run(t, "render")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	dst := filepath.Join(root, "etc", "app.conf")
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "port=80\n" {
		t.Fatalf("rendered %q, %v", got, err)
	}
	if !strings.Contains(out, "Rendered "+dst) {
		t.Fatalf("expected rendered path in output, got %q", out)
	}
}
