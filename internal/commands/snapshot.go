package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/snapshot"
)

// Snapshots are files on disk, so these commands read the store directly
// and work whether or not a daemon runs.
func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage screenshots saved with screenshot --save",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved screenshots, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := snapshot.NewStore(a.cfg.SnapshotDir())
				if err != nil {
					return err
				}
				list, err := s.List()
				if err != nil {
					return err
				}
				return a.printJSON(list)
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a saved screenshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := snapshot.NewStore(a.cfg.SnapshotDir())
				if err != nil {
					return err
				}
				if err := s.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deleted snapshot %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
