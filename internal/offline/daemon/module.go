package daemon

import (
	"context"

	"go.uber.org/fx"

	"github.com/tallybook/tally/internal/config"
	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/syncer"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/sentry"
)

// Module provides the daemon and the pieces it needs from a
// *config.Configuration and a *logger.Logger supplied by the caller.
func Module() fx.Option {
	return fx.Options(
		sentry.Module(),
		fx.Provide(
			NewAPI,
			provideReporter,
			New,
		),
		fx.Invoke(RegisterHooks),
	)
}

// NewAPI builds the HTTP client for the configured sync API.
func NewAPI(cfg *config.Configuration, log *logger.Logger) (remote.API, error) {
	if cfg.API.BaseURL == "" {
		return nil, ierr.NewError("api.base_url is not set").
			WithHint("Set api.base_url (or TALLY_API_BASE_URL) to sync with the server").
			Mark(ierr.ErrValidation)
	}
	return remote.NewClient(remote.Options{
		BaseURL:  cfg.API.BaseURL,
		Token:    cfg.API.Token,
		Timeout:  cfg.API.Timeout,
		RetryMax: cfg.API.RetryMax,
		Logger:   log,
	})
}

func provideReporter(svc *sentry.Service) syncer.Reporter {
	return svc
}

// RegisterHooks starts the daemon with the app and stops it on shutdown.
func RegisterHooks(lc fx.Lifecycle, d *Daemon) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop(ctx)
		},
	})
}
