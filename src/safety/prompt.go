// Package safety gates destructive actions behind --dry-run, --yes and an
// interactive confirmation.
package safety

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Options carries the global safety flags.
type Options struct {
	DryRun bool
	Yes    bool
	Force  bool
}

// ErrNotInteractive is returned when confirmation is needed but stdin is not
// a terminal and --yes was not given.
var ErrNotInteractive = errors.New("confirmation required but stdin is not a terminal; pass --yes")

// isTerminal is swapped in tests.
var isTerminal = func(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// Confirm prompts the user to confirm a potentially destructive action.
// - If opts.DryRun is true, it returns false but no error (no action should be taken).
// - If opts.Yes or opts.Force is true, it returns true without prompting.
// The caller decides what to do with the result.
func Confirm(opts Options, in io.Reader, out io.Writer, question string) (bool, error) {
	if opts.DryRun {
		return false, nil
	}
	if opts.Yes || opts.Force {
		return true, nil
	}
	if f, ok := in.(*os.File); ok && !isTerminal(f) {
		return false, ErrNotInteractive
	}
	if out != nil {
		fmt.Fprintf(out, "%s [y/N]: ", strings.TrimSpace(question))
	}
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	ans := strings.TrimSpace(strings.ToLower(line))
	return ans == "y" || ans == "yes", nil
}
