package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/ui"
)

var createCmd = &cobra.Command{
	Use:   "create <type>",
	Short: "Create a record locally and queue it for the server",
	Example: `  tally create customer --set name="Acme Ltd" --set email=billing@acme.test
  tally create invoice --data '{"customer_id":"cust_01J...","number":"INV-0042"}'`,
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := entityArg(args[0])
		if err != nil {
			return err
		}
		payload, err := payloadFlags(cmd)
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("id")

		st, w, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		res, err := w.Create(cmd.Context(), et, id, payload)
		if err != nil {
			return err
		}
		return printWrite(res, "created", et, res.Record.ID)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <type> <id>",
	Short: "Patch a record locally and queue the change",
	Example: `  tally update invoice inv_01J... --set status=sent
  tally update settings bset_01J... --set payment_terms_days:=30`,
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := entityArg(args[0])
		if err != nil {
			return err
		}
		patch, err := payloadFlags(cmd)
		if err != nil {
			return err
		}
		st, w, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		res, err := w.Update(cmd.Context(), et, args[1], patch)
		if err != nil {
			return err
		}
		return printWrite(res, "updated", et, args[1])
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <type> <id>",
	Short:   "Delete a record locally and queue the deletion",
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := entityArg(args[0])
		if err != nil {
			return err
		}
		st, w, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		res, err := w.Delete(cmd.Context(), et, args[1])
		if err != nil {
			return err
		}
		return printWrite(res, "deleted", et, args[1])
	},
}

var getCmd = &cobra.Command{
	Use:     "get <type> <id>",
	Short:   "Show one record",
	GroupID: "records",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := entityArg(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var rec *schema.Record
		err = st.View(ctx, func(tx *store.Tx) error {
			var err error
			rec, err = tx.Get(et, args[1])
			return err
		})
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var listCmd = &cobra.Command{
	Use:   "list <type>",
	Short: "List records from the local store",
	Example: `  tally list invoices --status draft
  tally list customers --name acme
  tally list invoices --since "last monday" --pending`,
	GroupID: "records",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, err := entityArg(args[0])
		if err != nil {
			return err
		}
		f := store.Filter{}
		f.Status, _ = cmd.Flags().GetString("status")
		f.RefID, _ = cmd.Flags().GetString("ref")
		f.NameContains, _ = cmd.Flags().GetString("name")
		f.DateFrom, _ = cmd.Flags().GetString("from")
		f.DateTo, _ = cmd.Flags().GetString("to")
		f.PendingOnly, _ = cmd.Flags().GetBool("pending")
		f.OrderBy, _ = cmd.Flags().GetString("order")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			if f.UpdatedSince, err = parseSince(since, time.Now()); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var recs []*schema.Record
		err = st.View(ctx, func(tx *store.Tx) error {
			var err error
			recs, err = tx.Query(et, f)
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(recs)
		}
		if len(recs) == 0 {
			fmt.Printf("No %s found\n", et)
			return nil
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			label := schema.Field(r.Payload, "name")
			if label == "" {
				label = schema.Field(r.Payload, "number")
			}
			if label == "" {
				label = schema.Field(r.Payload, "description")
			}
			state := ""
			if r.Pending {
				state = ui.RenderWarn("pending")
			}
			rows = append(rows, []string{
				r.ID, ui.Truncate(label, 40), schema.Field(r.Payload, "status"),
				r.UpdatedAt.Local().Format(time.DateTime), state,
			})
		}
		ui.Table(os.Stdout, []string{"ID", "NAME", "STATUS", "UPDATED", ""}, rows)
		return nil
	},
}

func entityArg(s string) (schema.EntityType, error) {
	et, err := schema.ParseEntityType(s)
	if err != nil {
		names := make([]string, 0, len(schema.EntityTypes))
		for _, t := range schema.EntityTypes {
			names = append(names, string(t))
		}
		return "", ierr.WithError(err).
			WithHintf("Known types: %s", strings.Join(names, ", ")).
			Mark(ierr.ErrValidation)
	}
	return et, nil
}

// payloadFlags builds a JSON object from --data and any --set pairs; --set
// wins on conflicts.
func payloadFlags(cmd *cobra.Command) (schema.Payload, error) {
	data, _ := cmd.Flags().GetString("data")
	sets, _ := cmd.Flags().GetStringArray("set")

	obj := map[string]any{}
	if data != "" {
		if data == "-" {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return nil, ierr.WithError(err).WithHint("Failed to read stdin").Mark(ierr.ErrSystem)
			}
			data = string(raw)
		}
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, ierr.WithError(err).
				WithHint("--data must be a JSON object").
				Mark(ierr.ErrValidation)
		}
	}
	for _, kv := range sets {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, ierr.NewErrorf("invalid --set %q", kv).
				WithHint("Use --set field=value").
				Mark(ierr.ErrValidation)
		}
		key, val, err := setValue(k, v)
		if err != nil {
			return nil, err
		}
		obj[key] = val
	}
	if len(obj) == 0 {
		return nil, ierr.NewError("no fields given").
			WithHint("Pass --data '{...}' or one or more --set field=value").
			Mark(ierr.ErrValidation)
	}
	return schema.Marshal(obj)
}

// setValue keeps plain values as strings, so decimal amounts keep their
// precision. A key written as field:=value takes value as raw JSON.
func setValue(k, v string) (string, any, error) {
	key, raw := strings.CutSuffix(k, ":")
	if !raw {
		return k, v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return "", nil, ierr.WithError(err).
			WithHintf("The value of %s:= must be valid JSON", key).
			Mark(ierr.ErrValidation)
	}
	return key, out, nil
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince accepts RFC 3339, a date, a Go duration ("36h" means that long
// ago) or natural language such as "yesterday" or "last friday".
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	r, err := timeParser.Parse(s, now)
	if err != nil || r == nil {
		return time.Time{}, ierr.NewErrorf("cannot parse time %q", s).
			WithHint(`Try "2026-01-31", "48h", "yesterday" or "last monday"`).
			Mark(ierr.ErrValidation)
	}
	return r.Time, nil
}

func printWrite(res *outbox.Result, verb string, et schema.EntityType, id string) error {
	if jsonOutput {
		return printJSON(res)
	}
	note := ""
	switch {
	case res.Elided:
		note = ui.RenderMuted(" (never sent; dropped from the outbox)")
	case res.Coalesced:
		note = ui.RenderMuted(fmt.Sprintf(" (merged into queued #%d)", res.Entry.Seq))
	case res.Entry != nil:
		note = ui.RenderMuted(fmt.Sprintf(" (queued #%d)", res.Entry.Seq))
	}
	fmt.Printf("%s %s %s %s%s\n", ui.RenderPass("✓"), verb, et, id, note)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{createCmd, updateCmd} {
		c.Flags().String("data", "", "JSON object with the fields to write; - reads stdin")
		c.Flags().StringArray("set", nil, "field=value, or field:=json for numbers and booleans; repeatable")
	}
	createCmd.Flags().String("id", "", "record id (generated when empty)")

	listCmd.Flags().String("status", "", "only records with this status")
	listCmd.Flags().String("ref", "", "only records referencing this id")
	listCmd.Flags().String("name", "", "name contains")
	listCmd.Flags().String("from", "", "date on or after YYYY-MM-DD")
	listCmd.Flags().String("to", "", "date on or before YYYY-MM-DD")
	listCmd.Flags().String("since", "", `updated since, e.g. "yesterday", "72h" or a date`)
	listCmd.Flags().Bool("pending", false, "only records with unsent changes")
	listCmd.Flags().String("order", "", "updated_at (default), name or date")
	listCmd.Flags().Int("limit", 100, "maximum records (0 for all)")

	rootCmd.AddCommand(createCmd, updateCmd, deleteCmd, getCmd, listCmd)
}
