package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/lock"
	"github.com/tallybook/tally/internal/offline/daemon"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/offline/syncer"
	"github.com/tallybook/tally/internal/offline/trigger"
	"github.com/tallybook/tally/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes and pull the server's changes",
	Long: `Run one sync pass: the outbox is pushed first, then changes since the last
watermark are pulled. With --full the local copy is replaced by a snapshot and
queued changes are re-applied on top.

When a daemon already holds the tenant's lock, the request is forwarded to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		full, _ := cmd.Flags().GetBool("full")
		ctx := cmd.Context()

		l, err := lock.Acquire(cfg.LockPath())
		if err != nil {
			if !ierr.Is(err, lock.ErrLocked) {
				return err
			}
			return forwardSync(ctx, full)
		}
		defer func() { _ = l.Release() }()

		api, err := daemon.NewAPI(cfg, log)
		if err != nil {
			return err
		}
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		coord := syncer.New(st, api, syncer.Options{
			BatchSize: cfg.Sync.BatchSize,
			PageSize:  cfg.Sync.DeltaPageSize,
			Logger:    log,
		})
		var res *syncer.Result
		if full {
			res, err = coord.FullSync(ctx)
		} else {
			res, err = coord.Sync(ctx)
		}
		if jsonOutput && res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
			return err
		}
		if res != nil {
			printResult(res)
		}
		return err
	},
}

// forwardSync asks the running daemon for a pass through its dashboard.
func forwardSync(ctx context.Context, full bool) error {
	if !cfg.Dashboard.Enabled {
		holder := lock.Holder(cfg.LockPath())
		return ierr.NewErrorf("sync is already running (pid %d)", holder).
			WithHint("Enable dashboard.enabled so the CLI can hand requests to the daemon").
			Mark(ierr.ErrInvalidOperation)
	}
	if full {
		// The daemon picks this up as the mode of its next pass.
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		err = st.Update(ctx, func(tx *store.Tx) error { return tx.SetNeedsFullSync(true) })
		_ = st.Close()
		if err != nil {
			return err
		}
	}
	if err := postTrigger(ctx, trigger.EventManual); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("%s Sync requested from the running daemon\n", ui.RenderAccent("→"))
	}
	return nil
}

func postTrigger(ctx context.Context, ev trigger.Event) error {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = log.Leveled()

	url := fmt.Sprintf("http://127.0.0.1:%d/trigger/%s", cfg.Dashboard.Port, ev)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return ierr.WithError(err).WithHint("Failed to build daemon request").Mark(ierr.ErrSystem)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ierr.WithError(err).
			WithHintf("Is the daemon running with its dashboard on port %d?", cfg.Dashboard.Port).
			Mark(ierr.ErrNetworkUnavailable)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return ierr.NewErrorf("daemon refused event %q", ev).Mark(ierr.ErrValidation)
	default:
		return ierr.NewErrorf("daemon answered %s", resp.Status).Mark(ierr.ErrSystem)
	}
}

func printResult(res *syncer.Result) {
	if res.Skipped {
		fmt.Printf("%s A sync pass is already running\n", ui.RenderWarn("⚠"))
		return
	}
	mark := ui.RenderPass("✓")
	if res.Error != "" {
		mark = ui.RenderFail("✗")
	}
	fmt.Printf("%s %s sync in %s\n", mark, res.Mode, res.Duration.Round(time.Millisecond))
	pairs := [][2]string{
		{"pushed", fmt.Sprintf("%d (%d acknowledged)", res.Pushed, res.Acked)},
		{"pulled", fmt.Sprintf("%d", res.Pulled)},
		{"pending", fmt.Sprintf("%d", res.Pending)},
	}
	if res.Held > 0 {
		pairs = append(pairs, [2]string{"held", fmt.Sprintf("%d", res.Held)})
	}
	if res.Unanswered > 0 {
		pairs = append(pairs, [2]string{"unanswered", fmt.Sprintf("%d", res.Unanswered)})
	}
	if res.Orphaned > 0 {
		pairs = append(pairs, [2]string{"orphaned", fmt.Sprintf("%d", res.Orphaned)})
	}
	ui.KV(os.Stdout, pairs...)
	for _, r := range res.Rejected {
		fmt.Printf("  %s %s %s/%s: %s\n", ui.RenderFail("rejected"), r.Op, r.EntityType, r.EntityID, r.Reason)
	}
	if len(res.Rejected) > 0 {
		fmt.Printf("\nReview with %s\n", ui.RenderAccent("tally rejections review"))
	}
}

var triggerCmd = &cobra.Command{
	Use:       "trigger <event>",
	GroupID:   "sync",
	Short:     "Send a lifecycle event to the running daemon",
	Long:      "Events: online, offline, foreground, background, periodic, manual, login, logout.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: eventNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := trigger.Event(args[0])
		if !ev.Valid() {
			return ierr.NewErrorf("unknown event %q", args[0]).
				WithHintf("Use one of %v", eventNames()).
				Mark(ierr.ErrValidation)
		}
		if !cfg.Dashboard.Enabled {
			return ierr.NewError("the daemon dashboard is disabled").
				WithHint("Set dashboard.enabled to send events to the daemon").
				Mark(ierr.ErrInvalidOperation)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := postTrigger(ctx, ev); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("%s %s sent\n", ui.RenderPass("✓"), ev)
		}
		return nil
	},
}

func eventNames() []string {
	names := make([]string, 0, len(trigger.Events))
	for _, ev := range trigger.Events {
		names = append(names, string(ev))
	}
	return names
}

func init() {
	syncCmd.Flags().Bool("full", false, "replace the local copy with a server snapshot")
	rootCmd.AddCommand(syncCmd, triggerCmd)
}
