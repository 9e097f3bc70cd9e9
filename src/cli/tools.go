package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sshsnap/src/execx"
	"sshsnap/src/safety"
)

type toolDetectorFunc func(ctx context.Context, r execx.Runner, tool string) (execx.BinaryInfo, error)

var detectToolFn toolDetectorFunc = execx.Detect

// SetToolDetectorForTest allows tests to stub tool detection.
// The returned function restores the previous detector.
func SetToolDetectorForTest(fn toolDetectorFunc) func() {
	prev := detectToolFn
	detectToolFn = fn
	return func() { detectToolFn = prev }
}

// checkTool makes sure tool is installed. An older than supported release
// prints a warning and, unless --yes or --force, asks before continuing.
func checkTool(cmd *cobra.Command, r execx.Runner, tool string) (execx.BinaryInfo, error) {
	info, err := detectToolFn(commandContext(cmd), r, tool)
	if err != nil {
		return execx.BinaryInfo{}, err
	}
	if execx.IsCompatible(tool, info.Version) {
		return info, nil
	}
	minimum := execx.MinimumVersion(tool)
	fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s %s detected; sshsnap requires %s or newer.\n", tool, info.Version, minimum)

	opts := getSafetyOptions(cmd)
	if opts.Yes || opts.Force {
		return info, nil
	}
	ok, err := safety.Confirm(opts, cmd.InOrStdin(), cmd.OutOrStdout(), fmt.Sprintf("Proceed with unsupported %s version?", tool))
	if err != nil {
		return execx.BinaryInfo{}, err
	}
	if !ok {
		return execx.BinaryInfo{}, fmt.Errorf("aborted: %s version is below supported minimum", tool)
	}
	return info, nil
}

func newCheckCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report the ssh, rsync and m4 binaries sshsnap will use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := newRunnerFn()
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TOOL\tPATH\tVERSION\tSTATUS")
			var failed bool
			for _, tool := range []string{execx.ToolSSH, execx.ToolRsync, execx.ToolM4} {
				info, err := detectToolFn(commandContext(cmd), r, tool)
				switch {
				case err != nil:
					failed = true
					fmt.Fprintf(tw, "%s\t-\t-\t%v\n", tool, err)
				case !execx.IsCompatible(tool, info.Version):
					failed = true
					fmt.Fprintf(tw, "%s\t%s\t%s\tneeds %s or newer\n", tool, info.Path, info.Version, execx.MinimumVersion(tool))
				default:
					fmt.Fprintf(tw, "%s\t%s\t%s\tok\n", tool, info.Path, info.Version)
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed {
				return errors.New("some required tools are missing or too old")
			}
			return nil
		},
	}
}
