package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/karthikkolli/webprobe-sub001/internal/browser"
	"github.com/karthikkolli/webprobe-sub001/internal/controller"
	"github.com/karthikkolli/webprobe-sub001/internal/ipc"
	"github.com/karthikkolli/webprobe-sub001/internal/tabs"
)

func (a *app) tabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Manage the daemon's tabs",
	}

	var name, viewport string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a tab in --profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.daemonConn(cmd)
			if err != nil {
				return err
			}
			var res controller.CreateTabResult
			if err := a.call(cmd.Context(), c, ipc.CmdCreateTab, ipc.CreateTabParams{Profile: a.profile, Name: name, Viewport: viewport}, &res); err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	create.Flags().StringVar(&name, "name", "", "name the tab so later commands can use --tab")
	create.Flags().StringVar(&viewport, "viewport", "", "viewport size for this tab, e.g. 375x667")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List open tabs, optionally only those of --profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.daemonConn(cmd)
				if err != nil {
					return err
				}
				var list []tabs.Summary
				if err := a.call(cmd.Context(), c, ipc.CmdListTabs, ipc.ProfileParams{Profile: a.profile}, &list); err != nil {
					return err
				}
				return a.printJSON(list)
			},
		},
		create,
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one tab",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.daemonConn(cmd)
				if err != nil {
					return err
				}
				var tab tabs.Summary
				if err := a.call(cmd.Context(), c, ipc.CmdGetTab, ipc.TabIDParams{TabID: args[0]}, &tab); err != nil {
					return err
				}
				return a.printJSON(tab)
			},
		},
		&cobra.Command{
			Use:   "close <id>",
			Short: "Close one tab",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.daemonConn(cmd)
				if err != nil {
					return err
				}
				if err := a.call(cmd.Context(), c, ipc.CmdCloseTab, ipc.TabIDParams{TabID: args[0]}, nil); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "closed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "close-all",
			Short: "Close every tab",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.daemonConn(cmd)
				if err != nil {
					return err
				}
				var res controller.CloseAllResult
				if err := a.call(cmd.Context(), c, ipc.CmdCloseAllTabs, nil, &res); err != nil {
					return err
				}
				if err := a.printJSON(res); err != nil {
					return err
				}
				if res.Error != "" {
					return browser.SessionError("some tabs failed to close", fmt.Errorf("%s", res.Error))
				}
				return nil
			},
		},
	)
	return cmd
}

// daemonConn reaches the daemon only. Tabs outlive a command only there, so
// tab management has nothing to do without one.
func (a *app) daemonConn(cmd *cobra.Command) (*conn, error) {
	client := ipc.NewClient(a.cfg.SocketPath())
	if _, err := client.Ping(cmd.Context()); err != nil {
		if browser.HasCode(err, browser.CodeDaemonUnreachable) {
			return nil, browser.NewError(browser.CodeDaemonUnreachable,
				"daemon is not running; start it with \"webprobe daemon start\"", nil)
		}
		return nil, err
	}
	return &conn{client: client, close: func() {}}, nil
}
