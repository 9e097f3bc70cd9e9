package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sshsnap/src/config"
	"sshsnap/src/snapshot"
)

func newListCmd(stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list [SET]",
		Short: "List snapshots in SSHSNAP_BACKUP_ROOT",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, config.NeedBackupRoot)
			if err != nil {
				return err
			}
			mgr, err := s.existingSnapshots()
			if err != nil {
				return err
			}
			sets := args
			if len(sets) == 0 {
				if sets, err = mgr.Sets(); err != nil {
					return err
				}
			}
			entries := []snapshot.Snapshot{}
			for _, set := range sets {
				snaps, err := mgr.List(set)
				if err != nil {
					return err
				}
				entries = append(entries, snaps...)
			}
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case "table", "":
				return renderTable(stdout, entries)
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table|json")
	return cmd
}

func renderTable(w io.Writer, entries []snapshot.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SET\tTIMESTAMP\tAGE\tCOMPLETE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Set, e.Name, humanize.Time(e.Time), yesNo(e.Complete))
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
