// Package daemon runs the sync engine for one tenant as a long-lived process.
//
// The daemon:
//  1. Takes the tenant's lock so only one coordinator uses the store
//  2. Probes the API and feeds online/offline events to the trigger runner
//  3. Runs the periodic schedule and serves the status dashboard
//  4. Reloads trigger settings when the config file changes
//  5. Cancels the running pass and releases everything on shutdown
package daemon

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/tallybook/tally/internal/config"
	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/lock"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/dashboard"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/offline/syncer"
	"github.com/tallybook/tally/internal/offline/trigger"
	"github.com/tallybook/tally/internal/remote"
)

// Daemon orchestrates the trigger runner, dashboard and config reloads
// around one coordinator.
type Daemon struct {
	log  *logger.Logger
	lock *lock.Lock

	mu  sync.Mutex
	cfg *config.Configuration

	store   *store.Store
	coord   *syncer.Coordinator
	prober  *trigger.Prober
	runner  *trigger.Runner
	dash    *dashboard.Server
	handler *dashboard.Handler
	watcher *config.Watcher

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New acquires the tenant lock, opens the store and wires the components. It
// does not start anything; call Start.
func New(cfg *config.Configuration, log *logger.Logger, api remote.API, reporter syncer.Reporter) (*Daemon, error) {
	if cfg == nil {
		return nil, ierr.NewError("configuration is required").Mark(ierr.ErrValidation)
	}
	if api == nil {
		return nil, ierr.NewError("api client is required").
			WithHint("Set api.base_url to run the sync daemon").
			Mark(ierr.ErrValidation)
	}
	log = logger.OrNop(log).Named("daemon").With("tenant", cfg.Tenant)

	l, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(context.Background(), cfg.StorePath(), store.Options{
		Tenant:      cfg.Tenant,
		Driver:      cfg.Store.Driver,
		BusyTimeout: cfg.Store.BusyTimeout,
		Logger:      log,
	})
	if err != nil {
		_ = l.Release()
		return nil, err
	}

	d := &Daemon{log: log, lock: l, cfg: cfg, store: st}
	d.coord = syncer.New(st, api, syncer.Options{
		BatchSize: cfg.Sync.BatchSize,
		PageSize:  cfg.Sync.DeltaPageSize,
		Logger:    log,
		Reporter:  reporter,
	})
	d.prober = trigger.NewProber(api, trigger.ProberOptions{
		Interval:   cfg.Reachability.ProbeInterval,
		MaxBackoff: cfg.Reachability.MaxBackoff,
		CacheTTL:   cfg.Reachability.CacheTTL,
		Logger:     log,
	})

	if cfg.Dashboard.Enabled {
		d.dash = dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port, Logger: log})
		d.handler = dashboard.NewHandler(d.dash, st, log)
	}

	opts := trigger.Options{
		Periodic:          cfg.Trigger.Periodic,
		ManualMinInterval: cfg.Trigger.ManualMinInterval,
		// Online is decided by the first probe.
		Initial: trigger.Conditions{LoggedIn: cfg.API.Token != "", Foreground: true},
		Prober:  d.prober,
		Logger:  log,
	}
	if d.handler != nil {
		opts.OnDecision = d.handler.OnDecision
	}
	d.runner, err = trigger.NewRunner(d.coord, opts)
	if err != nil {
		d.close()
		return nil, err
	}
	if d.dash != nil {
		d.dash.SetSignaler(d.runner)
	}
	return d, nil
}

// Start launches the background goroutines and returns.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ierr.NewError("daemon already started").Mark(ierr.ErrInvalidOperation)
	}

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			return err
		}
	}

	// Lives past the caller's start context, until Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	if d.handler != nil {
		updates, unsubscribe := d.coord.Subscribe()
		d.handler.OnStatus(runCtx, d.coord.Status())
		d.wg.Go(func() {
			defer unsubscribe()
			d.handler.Follow(runCtx, updates)
		})
	}

	d.wg.Go(func() {
		if err := d.runner.Run(runCtx); err != nil {
			d.log.Errorw("trigger runner stopped", "error", err)
		}
	})

	if d.cfg.Source != "" {
		w, err := config.NewWatcher(d.cfg.Source)
		if err == nil {
			err = w.Start()
		}
		if err != nil {
			d.log.Warnw("config reload disabled", "file", d.cfg.Source, "error", err)
		} else {
			d.watcher = w
			d.wg.Go(func() { d.watchConfig(runCtx, w) })
		}
	}

	d.log.Infow("daemon started",
		"store", d.store.Path(), "periodic", d.cfg.Trigger.Periodic, "dashboard", d.DashboardAddr())
	return nil
}

func (d *Daemon) watchConfig(ctx context.Context, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-w.Updates():
			if !ok {
				return
			}
			if err := d.ApplyConfig(cfg); err != nil {
				d.log.Warnw("ignoring reloaded configuration", "error", err)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			d.log.Warnw("config reload failed", "error", err)
		}
	}
}

// ApplyConfig applies the settings that can change while running: the
// periodic schedule, the manual refresh interval and the probe cadence.
// Everything else needs a restart.
func (d *Daemon) ApplyConfig(cfg *config.Configuration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg.Tenant != d.cfg.Tenant || cfg.DataDir != d.cfg.DataDir {
		return ierr.NewError("tenant or data_dir changed").
			WithHint("Restart the daemon to switch tenants").
			Mark(ierr.ErrInvalidOperation)
	}
	if cfg.Trigger.Periodic != d.cfg.Trigger.Periodic {
		if err := d.runner.SetSchedule(cfg.Trigger.Periodic); err != nil {
			return err
		}
	}
	d.runner.SetManualInterval(cfg.Trigger.ManualMinInterval)
	d.prober.SetIntervals(cfg.Reachability.ProbeInterval, cfg.Reachability.MaxBackoff, cfg.Reachability.CacheTTL)

	d.log.Infow("configuration reloaded",
		"periodic", cfg.Trigger.Periodic,
		"manual_min_interval", cfg.Trigger.ManualMinInterval,
		"probe_interval", cfg.Reachability.ProbeInterval)
	d.cfg = cfg
	return nil
}

// Stop cancels any running pass, waits for the goroutines and releases the
// store and lock.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warnw("timed out waiting for daemon goroutines")
	}

	var err error
	if d.dash != nil {
		err = d.dash.Stop()
	}
	if cerr := d.close(); err == nil {
		err = cerr
	}
	d.log.Infow("daemon stopped")
	return err
}

func (d *Daemon) close() error {
	err := d.store.Close()
	if lerr := d.lock.Release(); err == nil {
		err = lerr
	}
	return err
}

// Signal forwards a trigger event, e.g. from the CLI or the app shell.
func (d *Daemon) Signal(ev trigger.Event) error {
	return d.runner.Signal(ev)
}

func (d *Daemon) Coordinator() *syncer.Coordinator { return d.coord }
func (d *Daemon) Store() *store.Store              { return d.store }

// DashboardAddr returns the dashboard's address, or "" when disabled.
func (d *Daemon) DashboardAddr() string {
	if d.dash == nil {
		return ""
	}
	return d.dash.Addr()
}
