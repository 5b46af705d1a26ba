package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/migrate"
	"github.com/tallybook/tally/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Write the local store as JSON lines",
	Long: `Write every record (and optionally the outbox and open rejections) as one
JSON object per line. Without a file the export goes to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typeNames, _ := cmd.Flags().GetStringSlice("type")
		withOutbox, _ := cmd.Flags().GetBool("outbox")
		opts := migrate.ExportOptions{IncludeOutbox: withOutbox}
		for _, name := range typeNames {
			et, err := entityArg(name)
			if err != nil {
				return err
			}
			opts.Types = append(opts.Types, et)
		}

		ctx := cmd.Context()
		st, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var res *migrate.ExportResult
		if len(args) == 0 {
			res, err = migrate.Export(ctx, st, os.Stdout, opts)
		} else {
			res, err = migrate.ExportFile(ctx, st, args[0], opts)
		}
		if err != nil {
			return err
		}
		if len(args) > 0 && !jsonOutput {
			fmt.Fprintf(os.Stderr, "%s Exported %d records, %d outbox entries and %d rejections to %s\n",
				ui.RenderPass("✓"), res.Records, res.Entries, res.Rejections, args[0])
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Create records from a JSON lines export",
	Long: `Read record lines from an export and create each record locally. Every
imported record is queued for the server like any other local create.
Outbox and rejection lines are ignored. Use - to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		skipExisting, _ := cmd.Flags().GetBool("skip-existing")

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			// #nosec G304 - path from CLI
			f, err := os.Open(args[0])
			if err != nil {
				return ierr.WithError(err).
					WithHintf("Could not open %s", args[0]).
					Mark(ierr.ErrNotFound)
			}
			defer f.Close()
			r = f
		}

		ctx := cmd.Context()
		st, w, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		res, err := migrate.Import(ctx, st, w, r, migrate.ImportOptions{DryRun: dryRun, SkipExisting: skipExisting})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d records (%d skipped)\n", ui.RenderPass("✓"), verb, res.Created, res.Skipped)
		for _, e := range res.Errors {
			fmt.Printf("  %s %s\n", ui.RenderFail("✗"), e)
		}
		if len(res.Errors) > 0 {
			return ierr.NewErrorf("%d lines were not imported", len(res.Errors)).Mark(ierr.ErrValidation)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringSlice("type", nil, "entity types to export (default all)")
	exportCmd.Flags().Bool("outbox", false, "include queued mutations and open rejections")
	importCmd.Flags().Bool("dry-run", false, "validate every line and roll back")
	importCmd.Flags().Bool("skip-existing", false, "skip records whose id already exists")
	rootCmd.AddCommand(exportCmd, importCmd)
}
