package remote

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/kballard/go-shellquote"
)

var roundTripVectors = [][]string{
	{},
	{"echo"},
	{"echo", "a b", `it's "ok"`},
	{"printf", `%s\n`, `back\slash`, `trailing\`},
	{"sh", "-c", "echo `whoami` $HOME ${PATH}"},
	{"", "  ", "\t"},
	{`\"`, `\\$`, "`\\`"},
	{"multi\nline", "tab\there"},
	{"mkdir", "-p", "/var/www/html/my wiki"},
}

func TestEscape_Exact(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"ls"}, ` "ls"`},
		{[]string{"echo", "a b"}, ` "echo" "a b"`},
		{[]string{`a\b"c` + "`d$e"}, ` "a\\b\"c\` + "`" + `d\$e"`},
		{[]string{""}, ` ""`},
	}
	for _, c := range cases {
		if got := Escape(c.in); got != c.want {
			t.Fatalf("Escape(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEscape_RoundTripsThroughShellSplitting(t *testing.T) {
	for _, args := range roundTripVectors {
		words, err := shellquote.Split(Escape(args))
		if err != nil {
			t.Fatalf("split %q: %v", Escape(args), err)
		}
		if diff := cmp.Diff(args, words, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip mismatch for %q (-want +got):\n%s", args, diff)
		}
	}
}

// The remote end of ssh runs the joined command line with the user's shell
// as `sh -c`; replay that locally.
func TestEscape_RoundTripsThroughSh(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	for _, args := range roundTripVectors {
		if len(args) == 0 {
			continue
		}
		script := `for a in` + Escape(args) + `; do printf '%s\0' "$a"; done`
		var out bytes.Buffer
		cmd := exec.CommandContext(context.Background(), "sh", "-c", script)
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			t.Fatalf("sh for %q: %v", args, err)
		}
		got := strings.Split(strings.TrimSuffix(out.String(), "\x00"), "\x00")
		if diff := cmp.Diff(args, got); diff != "" {
			t.Fatalf("sh round trip mismatch for %q (-want +got):\n%s", args, diff)
		}
	}
}
