package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/syncer"
)

// Syncer is the part of the coordinator the runner drives.
type Syncer interface {
	Sync(ctx context.Context) (*syncer.Result, error)
	Syncing() bool
}

type Options struct {
	// Periodic is a cron spec for EventPeriodic, e.g. "@every 5m". Empty
	// disables the schedule.
	Periodic          string
	ManualMinInterval time.Duration
	// Initial conditions before any event arrives. Syncing is ignored.
	Initial Conditions
	// Prober, when set, feeds online/offline events while Run is active.
	Prober *Prober
	Logger *logger.Logger
	// OnDecision is called after every decision, outside the runner's lock.
	OnDecision func(Decision)
}

// Runner owns the trigger conditions and starts sync passes.
type Runner struct {
	sync    Syncer
	log     *logger.Logger
	prober  *Prober
	hook    func(Decision)
	cron    *cron.Cron
	limiter *rate.Limiter
	events  chan Event

	mu         sync.Mutex
	cond       Conditions
	entry      cron.EntryID
	scheduled  bool
	running    bool
	passCancel context.CancelFunc
	passes     sync.WaitGroup
}

func NewRunner(s Syncer, opts Options) (*Runner, error) {
	r := &Runner{
		sync:    s,
		log:     logger.OrNop(opts.Logger).Named("trigger"),
		prober:  opts.Prober,
		hook:    opts.OnDecision,
		cron:    cron.New(),
		limiter: rate.NewLimiter(rate.Every(opts.ManualMinInterval), 1),
		events:  make(chan Event, 32),
		cond:    opts.Initial,
	}
	r.cond.Syncing = false
	if err := r.SetSchedule(opts.Periodic); err != nil {
		return nil, err
	}
	return r, nil
}

// SetSchedule replaces the periodic schedule. It may be called while Run is
// active.
func (r *Runner) SetSchedule(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		id  cron.EntryID
		err error
	)
	if spec != "" {
		id, err = r.cron.AddFunc(spec, func() { r.Signal(EventPeriodic) })
		if err != nil {
			return ierr.WithError(err).
				WithHintf("Invalid trigger.periodic schedule %q", spec).
				Mark(ierr.ErrValidation)
		}
	}
	if r.scheduled {
		r.cron.Remove(r.entry)
	}
	r.entry, r.scheduled = id, spec != ""
	r.log.Debugw("periodic schedule set", "spec", spec)
	return nil
}

// SetManualInterval changes the minimum gap between manual refreshes.
func (r *Runner) SetManualInterval(d time.Duration) {
	r.limiter.SetLimit(rate.Every(d))
}

// Conditions returns the current conditions.
func (r *Runner) Conditions() Conditions {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cond
	c.Syncing = r.running || r.sync.Syncing()
	return c
}

// Signal queues an event for Run. Unknown events are refused; when the queue
// is full the event is dropped.
func (r *Runner) Signal(ev Event) error {
	if !ev.Valid() {
		return ierr.NewErrorf("unknown trigger event %q", ev).
			WithHintf("Known events: %v", Events).
			Mark(ierr.ErrValidation)
	}
	select {
	case r.events <- ev:
	default:
		r.log.Warnw("trigger queue full, dropping event", "event", ev)
	}
	return nil
}

// Run processes queued events until ctx is done, then cancels any running
// pass and waits for it.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Start()
	defer func() { <-r.cron.Stop().Done() }()

	var wg conc.WaitGroup
	defer wg.Wait()
	if r.prober != nil {
		wg.Go(func() {
			r.prober.Watch(ctx, func(online bool) {
				if online {
					_ = r.Signal(EventOnline)
				} else {
					_ = r.Signal(EventOffline)
				}
			})
		})
	}

	for {
		select {
		case <-ctx.Done():
			r.cancelPass()
			r.Wait()
			return nil
		case ev := <-r.events:
			r.Handle(ctx, ev)
		}
	}
}

// Handle applies ev to the conditions, decides and acts. A started pass runs
// in the background under a context derived from ctx.
func (r *Runner) Handle(ctx context.Context, ev Event) Decision {
	r.mu.Lock()
	wasOnline := r.cond.Online
	switch ev {
	case EventOnline:
		r.cond.Online = true
	case EventOffline:
		r.cond.Online = false
	case EventForeground:
		r.cond.Foreground = true
	case EventBackground:
		r.cond.Foreground = false
	case EventLogin:
		r.cond.LoggedIn = true
	case EventLogout:
		r.cond.LoggedIn = false
	}
	c := r.cond
	c.WasOnline = wasOnline
	c.Syncing = r.running || r.sync.Syncing()
	if ev == EventManual && c.LoggedIn && c.Online && !c.Syncing {
		// Only a refresh that would otherwise run spends a token.
		c.Throttled = !r.limiter.Allow()
	}

	d := Decide(ev, c)
	switch d.Action {
	case ActionSync:
		r.start(ctx)
	case ActionCancel:
		if r.passCancel != nil {
			r.passCancel()
		}
	}
	r.mu.Unlock()

	r.log.Debugw("trigger decision", "event", ev, "action", d.Action, "reason", d.Reason)
	if r.hook != nil {
		r.hook(d)
	}
	return d
}

// start must be called with r.mu held.
func (r *Runner) start(ctx context.Context) {
	passCtx, cancel := context.WithCancel(ctx)
	r.running = true
	r.passCancel = cancel
	r.passes.Add(1)

	go func() {
		defer r.passes.Done()
		defer cancel()

		res, err := r.sync.Sync(passCtx)

		r.mu.Lock()
		r.running = false
		r.passCancel = nil
		r.mu.Unlock()

		switch {
		case err == nil:
			if res != nil && !res.Skipped {
				r.log.Infow("triggered pass finished",
					"mode", res.Mode, "pushed", res.Pushed, "pulled", res.Pulled, "pending", res.Pending)
			}
		case passCtx.Err() != nil:
			r.log.Infow("triggered pass cancelled", "error", err)
		case ierr.IsTransient(err):
			// Waits for the next trigger; a fresh probe decides whether that
			// one goes ahead.
			if r.prober != nil {
				r.prober.Invalidate()
			}
			r.log.Warnw("triggered pass failed, will retry on next trigger", "error", err)
		default:
			r.log.Errorw("triggered pass failed", "error", err)
		}
	}()
}

func (r *Runner) cancelPass() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.passCancel != nil {
		r.passCancel()
	}
}

// Wait blocks until every pass started so far has returned.
func (r *Runner) Wait() {
	r.passes.Wait()
}
