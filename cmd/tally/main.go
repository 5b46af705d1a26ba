// Command tally is the command line client for the offline-first invoicing
// store: it edits records locally, shows what is queued and runs sync.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/tallybook/tally/internal/config"
	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/outbox"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/ui"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cfgFile    string
	tenantFlag string
	dataDir    string
	logLevel   string
	jsonOutput bool

	cfg *config.Configuration
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Offline-first invoicing store and sync engine",
	Long: `tally keeps a tenant's customers, products and invoices in a local SQLite
store. Every change is applied locally first and queued in an outbox; sync
pushes the outbox to the server and pulls the server's changes back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Flags are applied through the environment so they take part in
		// validation like any other override.
		for env, v := range map[string]string{
			config.EnvPrefix + "_TENANT":        tenantFlag,
			config.EnvPrefix + "_DATA_DIR":      dataDir,
			config.EnvPrefix + "_LOGGING_LEVEL": logLevel,
		} {
			if v != "" {
				_ = os.Setenv(env, v)
			}
		}

		var err error
		cfg, err = config.NewConfig(cfgFile)
		if err != nil {
			return err
		}
		log, err = logger.NewLogger(logger.Config{
			Level:      cfg.Logging.Level,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return ierr.WithError(err).WithHint("Check logging.level").Mark(ierr.ErrValidation)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, ./.tally/config.yaml or ~/.tally/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&tenantFlag, "tenant", "t", "", "business id to operate on")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the local stores")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")
}

func main() {
	ctx, cancel := signalContext()
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
	for _, hint := range ierr.Hints(err) {
		fmt.Fprintf(os.Stderr, "  %s\n", ui.RenderMuted(hint))
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openStore opens the tenant's store and a writer over it.
func openStore(ctx context.Context) (*store.Store, *outbox.Writer, error) {
	st, err := store.Open(ctx, cfg.StorePath(), store.Options{
		Tenant:      cfg.Tenant,
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	if reason := st.Rebuilt(); reason != "" && !jsonOutput {
		fmt.Fprintf(os.Stderr, "%s local store was rebuilt (%s); the next sync downloads a fresh copy\n",
			ui.RenderWarn("⚠"), reason)
	}
	return st, outbox.NewWriter(st, log), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
