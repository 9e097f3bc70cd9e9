package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sshsnap/src/config"
	"sshsnap/src/safety"
)

func newPruneCmd(stdout, stderr io.Writer) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "prune SET",
		Short: "Prune old snapshots (keep the newest N complete ones)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set := args[0]
			if keep <= 0 {
				return errors.New("--keep must be > 0")
			}
			s, err := newSession(cmd, config.NeedBackupRoot)
			if err != nil {
				return err
			}
			mgr, err := s.existingSnapshots()
			if err != nil {
				return err
			}
			toDelete, err := mgr.PlanPrune(set, keep)
			if err != nil {
				return err
			}

			// Preview
			tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SET\tTIMESTAMP\tCOMPLETE\tACTION")
			for _, p := range toDelete {
				fmt.Fprintf(tw, "%s\t%s\t%s\tdelete\n", p.Set, p.Name, yesNo(p.Complete))
			}
			_ = tw.Flush()

			opts := getSafetyOptions(cmd)
			if opts.DryRun || len(toDelete) == 0 {
				return nil
			}
			ok, err := safety.Confirm(opts, cmd.InOrStdin(), stdout, fmt.Sprintf("Delete %d snapshots?", len(toDelete)))
			if err != nil || !ok {
				return err
			}
			if err := mgr.Remove(set, toDelete); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Deleted %d snapshots\n", len(toDelete))
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 3, "Number of recent complete snapshots to keep")
	return cmd
}
