package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/lock"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/ui"
)

type statusView struct {
	Tenant        string     `json:"tenant"`
	Store         string     `json:"store"`
	DaemonPID     int        `json:"daemon_pid,omitempty"`
	LastStatus    string     `json:"last_status"`
	LastMode      string     `json:"last_mode,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Watermark     string     `json:"watermark,omitempty"`
	NeedsFullSync bool       `json:"needs_full_sync"`
	Pending       int        `json:"pending"`
	Rejections    int        `json:"rejections"`
	Held          int        `json:"held"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state and queue sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		v := statusView{Tenant: st.Tenant(), Store: st.Path()}
		err = st.View(ctx, func(tx *store.Tx) error {
			meta, err := tx.SyncMeta()
			if err != nil {
				return err
			}
			v.LastStatus, v.LastMode, v.LastError = meta.LastStatus, meta.LastMode, meta.LastError
			v.LastAttemptAt, v.LastSuccessAt = meta.LastAttemptAt, meta.LastSuccessAt
			v.Watermark, v.NeedsFullSync = meta.Watermark, meta.NeedsFullSync
			if v.Pending, err = tx.OutboxCount(); err != nil {
				return err
			}
			rejections, err := tx.ListRejections(false)
			if err != nil {
				return err
			}
			held, err := tx.ListHeld()
			if err != nil {
				return err
			}
			v.Rejections, v.Held = len(rejections), len(held)
			return nil
		})
		if err != nil {
			return err
		}
		if l, lerr := lock.Acquire(cfg.LockPath()); lerr == nil {
			_ = l.Release()
		} else {
			v.DaemonPID = lock.Holder(cfg.LockPath())
		}

		if jsonOutput {
			return printJSON(v)
		}
		state := v.LastStatus
		switch state {
		case "success":
			state = ui.RenderPass(state)
		case "failed":
			state = ui.RenderFail(state)
		}
		pairs := [][2]string{
			{"tenant", v.Tenant},
			{"store", v.Store},
			{"last sync", state},
			{"last success", formatTime(v.LastSuccessAt)},
			{"pending", strconv.Itoa(v.Pending)},
			{"rejections", strconv.Itoa(v.Rejections)},
			{"held", strconv.Itoa(v.Held)},
		}
		if v.LastError != "" {
			pairs = append(pairs, [2]string{"last error", ui.Truncate(v.LastError, 80)})
		}
		if v.NeedsFullSync {
			pairs = append(pairs, [2]string{"next pass", ui.RenderWarn("full sync")})
		}
		if v.DaemonPID > 0 {
			pairs = append(pairs, [2]string{"daemon", fmt.Sprintf("running (pid %d)", v.DaemonPID)})
		}
		ui.KV(os.Stdout, pairs...)
		return nil
	},
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return t.Local().Format(time.DateTime)
}

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "List mutations waiting to be pushed",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var entries []*store.OutboxEntry
		err = st.View(ctx, func(tx *store.Tx) error {
			var err error
			entries, err = tx.ListOutbox(0, 0, limit)
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty")
			return nil
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			state := "queued"
			if e.Sealed() {
				state = fmt.Sprintf("sent x%d", e.Attempts)
			}
			rows = append(rows, []string{
				strconv.FormatInt(e.Seq, 10), string(e.Op), string(e.EntityType), e.EntityID,
				state, ui.Truncate(e.LastError, 40),
			})
		}
		ui.Table(os.Stdout, []string{"SEQ", "OP", "TYPE", "ID", "STATE", "LAST ERROR"}, rows)
		return nil
	},
}

var rejectionsCmd = &cobra.Command{
	Use:     "rejections",
	GroupID: "sync",
	Short:   "List mutations the server refused",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var list []*store.Rejection
		err = st.View(ctx, func(tx *store.Tx) error {
			var err error
			list, err = tx.ListRejections(all)
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Printf("%s No rejected changes\n", ui.RenderPass("✓"))
			return nil
		}
		printRejections(list)
		return nil
	},
}

func printRejections(list []*store.Rejection) {
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10), string(r.Op), string(r.EntityType), r.EntityID,
			ui.Truncate(r.Reason, 50), r.Resolution,
		})
	}
	ui.Table(os.Stdout, []string{"ID", "OP", "TYPE", "ID", "REASON", "RESOLUTION"}, rows)
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <id>",
	Short: "Queue a rejected change again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRejectionID(args[0])
		if err != nil {
			return err
		}
		st, w, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return resubmit(cmd, w, id)
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a rejected change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRejectionID(args[0])
		if err != nil {
			return err
		}
		st, w, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		return discard(cmd, w, id)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Step through rejected changes interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.Interactive() {
			return ierr.NewError("review needs an interactive terminal").
				WithHint("Use 'tally rejections resubmit <id>' or 'tally rejections discard <id>'").
				Mark(ierr.ErrInvalidOperation)
		}
		ctx := cmd.Context()
		st, w, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		list, err := w.Rejections(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Printf("%s No rejected changes\n", ui.RenderPass("✓"))
			return nil
		}
		for _, r := range list {
			choice := "skip"
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("%s %s/%s", r.Op, r.EntityType, r.EntityID)).
					Description(r.Reason).
					Options(
						huh.NewOption("Resubmit", "resubmit"),
						huh.NewOption("Discard", "discard"),
						huh.NewOption("Skip", "skip"),
					).
					Value(&choice),
			))
			if err := form.RunWithContext(ctx); err != nil {
				if ierr.Is(err, huh.ErrUserAborted) {
					return nil
				}
				return err
			}
			switch choice {
			case "resubmit":
				err = resubmit(cmd, w, r.ID)
			case "discard":
				err = discard(cmd, w, r.ID)
			}
			if err != nil {
				printError(err)
			}
		}
		return nil
	},
}

func parseRejectionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ierr.NewErrorf("invalid rejection id %q", s).
			WithHint("Use an id from 'tally rejections'").
			Mark(ierr.ErrValidation)
	}
	return id, nil
}

func resubmit(cmd *cobra.Command, w *outbox.Writer, id int64) error {
	res, err := w.Resubmit(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	if res.Entry == nil {
		fmt.Printf("%s Rejection %d resolved; nothing left to send\n", ui.RenderPass("✓"), id)
		return nil
	}
	fmt.Printf("%s Rejection %d queued again as #%d\n", ui.RenderPass("✓"), id, res.Entry.Seq)
	return nil
}

func discard(cmd *cobra.Command, w *outbox.Writer, id int64) error {
	if err := w.Discard(cmd.Context(), id); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("%s Rejection %d discarded\n", ui.RenderPass("✓"), id)
	}
	return nil
}

func init() {
	outboxCmd.Flags().Int("limit", 50, "maximum entries to show (0 for all)")
	rejectionsCmd.Flags().Bool("all", false, "include resolved rejections")
	rejectionsCmd.AddCommand(reviewCmd, resubmitCmd, discardCmd)
	rootCmd.AddCommand(statusCmd, outboxCmd, rejectionsCmd)
}
