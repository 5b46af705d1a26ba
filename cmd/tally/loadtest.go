package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tallybook/tally/internal/offline/loadtest"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure local write latency under concurrent writers",
	Long: `Run concurrent creates and updates against a scratch store and report
write latency. The outbox is checked for ordering and coalescing afterwards.
The tenant's real store is never touched unless --in-place is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		lc := loadtest.Config{}
		lc.Writers, _ = cmd.Flags().GetInt("writers")
		lc.OpsPerWriter, _ = cmd.Flags().GetInt("ops")
		lc.UpdateRatio, _ = cmd.Flags().GetFloat64("update-ratio")
		lc.Seed, _ = cmd.Flags().GetInt64("seed")
		inPlace, _ := cmd.Flags().GetBool("in-place")

		ctx := cmd.Context()
		path := cfg.StorePath()
		if !inPlace {
			dir, err := os.MkdirTemp("", "tally-loadtest-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "loadtest.db")
		}
		st, err := store.Open(ctx, path, store.Options{
			Tenant:      cfg.Tenant,
			Driver:      cfg.Store.Driver,
			BusyTimeout: cfg.Store.BusyTimeout,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		if !jsonOutput {
			fmt.Printf("%s %d writers x %d ops against %s\n", ui.RenderAccent("→"), lc.Writers, lc.OpsPerWriter, path)
		}
		stats, err := loadtest.Run(ctx, outbox.NewWriter(st, log), lc)
		if err != nil {
			return err
		}
		if err := loadtest.VerifyOutbox(ctx, st); err != nil {
			return err
		}
		if jsonOutput {
			stats.Durations = nil
			return printJSON(stats)
		}
		stats.PrintStats(os.Stdout)
		fmt.Printf("%s outbox consistent\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("writers", 8, "concurrent writers")
	loadtestCmd.Flags().Int("ops", 200, "operations per writer")
	loadtestCmd.Flags().Float64("update-ratio", 0.7, "share of operations that update an existing record")
	loadtestCmd.Flags().Int64("seed", 1, "random seed")
	loadtestCmd.Flags().Bool("in-place", false, "write to the tenant's store instead of a scratch copy")
	rootCmd.AddCommand(loadtestCmd)
}
