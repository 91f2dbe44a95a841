package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/config"
)

func (a *app) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage persistent browser profiles",
	}
	store := func() *config.ProfileStore {
		return config.NewProfileStore(a.cfg.ProfilesFile(), a.cfg.ProfilesDir())
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a profile with its own browser data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := store().Create(args[0], description)
			if err != nil {
				return err
			}
			return a.printJSON(p)
		},
	}
	create.Flags().StringVar(&description, "description", "", "free-form note shown by profile list")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List profiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				list, err := store().List()
				if err != nil {
					return err
				}
				return a.printJSON(list)
			},
		},
		create,
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a profile and its browser data",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := store().Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "deleted profile %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
