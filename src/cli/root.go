package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root cobra command for the sshsnap CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sshsnap",
		Short: "Run commands, upload files and take hardlinked snapshots over one ssh connection",
		Long: `sshsnap drives a remote host over a single multiplexed ssh connection.

Settings come from SSHSNAP_* environment variables (SSHSNAP_HOST,
SSHSNAP_BACKUP_ROOT, SSHSNAP_FILE_ROOT, ...).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newVersionCmd(stdout))
	cmd.AddCommand(newCheckCmd(stdout))
	cmd.AddCommand(newConnectCmd(stdout, stderr))
	cmd.AddCommand(newDisconnectCmd(stdout, stderr))
	cmd.AddCommand(newRemotelyCmd(stdout, stderr))
	cmd.AddCommand(newUploadCmd(stdout, stderr))
	cmd.AddCommand(newRenderCmd(stdout, stderr))
	cmd.AddCommand(newBackupCmd(stdout, stderr))
	cmd.AddCommand(newListCmd(stdout, stderr))
	cmd.AddCommand(newPruneCmd(stdout, stderr))

	return cmd
}

// Execute runs the CLI with the process stdio. SIGINT and SIGTERM cancel the
// running command, which kills its subprocess.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
