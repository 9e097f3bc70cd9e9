package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"sshsnap/src/backup"
	"sshsnap/src/config"
	"sshsnap/src/execx"
	"sshsnap/src/remote"
)

func newBackupCmd(stdout, stderr io.Writer) *cobra.Command {
	var rsyncOpts []string
	var script string
	cmd := &cobra.Command{
		Use:   "backup SET REMOTE[=DEST]...",
		Short: "Take a hardlinked snapshot of remote trees into SSHSNAP_BACKUP_ROOT/SET",
		Long: `Create a new snapshot of SET named after the current UTC time and pull each
REMOTE path into it, below DEST when given. Files unchanged since the latest
complete snapshot of SET are hardlinked rather than copied. The last "="
separates REMOTE from DEST, so a REMOTE containing "=" needs a trailing "=".

With --exec, SCRIPT runs locally after the transfers with
SSHSNAP_PREVIOUS_SNAPSHOT, SSHSNAP_NEW_SNAPSHOT and SSHSNAP_CONTROL_PATH set,
for example to dump a database into the new snapshot. The snapshot is only
marked complete when every step succeeded.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := args[0]
			targets := make([]backup.Target, 0, len(args)-1)
			for _, a := range args[1:] {
				t, err := backup.ParseTarget(a)
				if err != nil {
					return err
				}
				targets = append(targets, t)
			}

			s, err := newSession(cmd, config.NeedHost|config.NeedBackupRoot)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			defer s.close(ctx)

			if getSafetyOptions(cmd).DryRun {
				mgr, err := s.existingSnapshots()
				if err != nil {
					return err
				}
				latest, err := mgr.Latest(set)
				if err != nil {
					return err
				}
				if latest != nil {
					fmt.Fprintf(stdout, "Would snapshot %s, hardlinking from %s\n", set, latest.Path)
				} else {
					fmt.Fprintf(stdout, "Would snapshot %s with a full copy\n", set)
				}
				for _, t := range targets {
					fmt.Fprintf(stdout, "  %s:%s -> %s\n", s.conn.Target(), t.Remote, backup.Destination("<new>", t.Dest))
				}
				return nil
			}
			if _, err := checkTool(cmd, s.runner, execx.ToolRsync); err != nil {
				return err
			}

			mgr, err := s.snapshots()
			if err != nil {
				return err
			}
			plan, err := mgr.Prepare(set)
			if err != nil {
				return err
			}
			defer plan.Close()

			d := &backup.Driver{Plan: plan, Puller: s.syncer()}
			if err := d.Run(ctx, targets, rsyncOpts); err != nil {
				return err
			}
			if script != "" {
				if err := runScript(ctx, s.runner, s.conn, script, plan.Env(), stdout, stderr); err != nil {
					return err
				}
			}
			if err := d.Finish(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Snapshot %s complete\n", plan.New)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rsyncOpts, "rsync-opt", nil, "Extra rsync option for every transfer (repeatable)")
	cmd.Flags().StringVar(&script, "exec", "", "Local script to run after the transfers, before the snapshot is marked complete")
	return cmd
}

// runScript runs a local hook with the snapshot variables and the control
// path of the open master, so the hook can reuse it through sshsnap remotely.
func runScript(ctx context.Context, r execx.Runner, conn *remote.Connection, script string, env []string, stdout, stderr io.Writer) error {
	if p := conn.ControlPath(); p != "" && conn.State() == remote.StateOpen {
		env = append(env, config.Prefix+"_CONTROL_PATH="+p)
	}
	_, err := r.Run(ctx, execx.Command{Name: script, Env: env, Stdout: stdout, Stderr: stderr})
	if err != nil {
		return fmt.Errorf("backup script %s: %w", script, err)
	}
	return nil
}
