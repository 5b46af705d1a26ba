package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/daemon"
	"github.com/tallybook/tally/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run sync in the foreground until interrupted. The daemon syncs when the
server becomes reachable, on its periodic schedule and on manual requests,
and reloads trigger settings when the config file changes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var d *daemon.Daemon
		app := fx.New(
			fx.Supply(cfg, log),
			fx.WithLogger(func(l *logger.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{Logger: l.Desugar().Named("fx")}
			}),
			daemon.Module(),
			fx.Populate(&d),
			fx.StopTimeout(30*time.Second),
		)
		if err := app.Err(); err != nil {
			return err
		}

		startCtx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s Sync daemon running for %s\n", ui.RenderAccent("▶"), cfg.Tenant)
			if addr := d.DashboardAddr(); addr != "" {
				fmt.Printf("  dashboard: http://%s\n", addr)
			}
			fmt.Println("  Press Ctrl+C to stop")
		}

		<-cmd.Context().Done()

		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelStop()
		return app.Stop(stopCtx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
