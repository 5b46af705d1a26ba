package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/conflict"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/offline/store"
	"github.com/tallybook/tally/internal/remote"
)

// State is the coordinator's position in the sync state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

// Mode is the kind of pass.
type Mode string

const (
	ModeDelta Mode = "delta"
	ModeFull  Mode = "full"
)

const (
	DefaultBatchSize = 100
	DefaultPageSize  = 500
)

// Reporter receives errors worth escalating: failed passes and rejected
// mutations. The sentry package provides one.
type Reporter interface {
	Report(err error, tags map[string]string)
}

// Options configure a Coordinator.
type Options struct {
	// BatchSize bounds the number of mutations per push.
	BatchSize int
	// PageSize bounds the number of changes per delta page.
	PageSize int
	Logger   *logger.Logger
	Reporter Reporter
}

// Rejected describes one mutation the server refused during a pass.
type Rejected struct {
	EntityType schema.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Op         schema.Operation  `json:"op"`
	Reason     string            `json:"reason"`
}

// Result summarises one pass.
type Result struct {
	Mode Mode `json:"mode"`
	// Skipped is set when another pass was already running.
	Skipped bool `json:"skipped,omitempty"`

	Pushed   int        `json:"pushed"`
	Acked    int        `json:"acked"`
	Rejected []Rejected `json:"rejected,omitempty"`
	// Unanswered counts mutations the server left out of its response.
	Unanswered int `json:"unanswered,omitempty"`

	Pulled int `json:"pulled"`
	Held   int `json:"held"`
	// Orphaned counts queued entries dropped by a full sync because their
	// record no longer exists on the server.
	Orphaned int `json:"orphaned,omitempty"`

	Pending   int           `json:"pending"`
	Watermark string        `json:"watermark"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Status is the observable state of a Coordinator.
type Status struct {
	State State `json:"state"`
	// Mode is the mode of the running pass, or of the last one when idle.
	Mode       Mode      `json:"mode,omitempty"`
	LastResult *Result   `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Changed    time.Time `json:"changed"`
}

// Coordinator owns sync for one store. Create one per store.
type Coordinator struct {
	store    *store.Store
	api      remote.API
	resolver *conflict.Resolver
	opts     Options
	log      *logger.Logger
	tracer   trace.Tracer

	running atomic.Bool

	mu      sync.Mutex
	status  Status
	subs    map[int]chan Status
	nextSub int
}

// New creates a Coordinator.
func New(st *store.Store, api remote.API, opts Options) *Coordinator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	log := logger.OrNop(opts.Logger).Named("syncer")
	return &Coordinator{
		store:    st,
		api:      api,
		resolver: conflict.New(log),
		opts:     opts,
		log:      log,
		tracer:   otel.Tracer("github.com/tallybook/tally/internal/offline/syncer"),
		status:   Status{State: StateIdle, Changed: time.Now()},
		subs:     make(map[int]chan Status),
	}
}

// Sync runs a delta pass, or a full pass when one is due.
func (c *Coordinator) Sync(ctx context.Context) (*Result, error) {
	return c.run(ctx, false)
}

// FullSync runs a full pass.
func (c *Coordinator) FullSync(ctx context.Context) (*Result, error) {
	return c.run(ctx, true)
}

// Syncing reports whether a pass is in flight.
func (c *Coordinator) Syncing() bool {
	return c.running.Load()
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe returns a channel receiving every status change, and a function
// that ends the subscription. Slow subscribers miss intermediate states.
func (c *Coordinator) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Status, 8)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Coordinator) setStatus(fn func(s *Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
	c.status.Changed = time.Now()
	for _, ch := range c.subs {
		select {
		case ch <- c.status:
		default:
		}
	}
}

func (c *Coordinator) run(ctx context.Context, forceFull bool) (*Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Debugw("sync already in flight, skipping")
		return &Result{Skipped: true}, nil
	}
	defer c.running.Store(false)

	res := &Result{Mode: ModeDelta, Started: time.Now()}
	if forceFull {
		res.Mode = ModeFull
	}
	c.setStatus(func(s *Status) {
		s.State = StateSyncing
		s.Mode = res.Mode
	})

	ctx, span := c.tracer.Start(ctx, "syncer.pass", trace.WithAttributes(
		attribute.String("tenant", c.store.Tenant()),
		attribute.Bool("forced_full", forceFull),
	))
	defer span.End()

	err := c.pass(ctx, forceFull, res)
	res.Duration = time.Since(res.Started)
	c.finish(ctx, res, err)

	span.SetAttributes(
		attribute.String("mode", string(res.Mode)),
		attribute.Int("pushed", res.Pushed),
		attribute.Int("pulled", res.Pulled),
		attribute.Int("rejected", len(res.Rejected)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ierr.Code(err))
		return res, err
	}
	return res, nil
}

func (c *Coordinator) pass(ctx context.Context, forceFull bool, res *Result) error {
	meta, err := c.begin(ctx)
	if err != nil {
		return err
	}
	full := forceFull || meta.NeedsFullSync || meta.Watermark == ""
	if full {
		res.Mode = ModeFull
		c.setStatus(func(s *Status) { s.Mode = ModeFull })
	}

	if err := c.push(ctx, res); err != nil {
		return err
	}

	if !full {
		err := c.pull(ctx, meta.Watermark, res)
		if !ierr.IsWatermarkUnrecognized(err) {
			return err
		}
		c.log.Warnw("watermark unrecognized, falling back to full sync", "watermark", meta.Watermark)
		if err := c.store.Update(ctx, func(tx *store.Tx) error {
			return tx.SetNeedsFullSync(true)
		}); err != nil {
			return err
		}
		res.Mode = ModeFull
		c.setStatus(func(s *Status) { s.Mode = ModeFull })
	}
	return c.full(ctx, res)
}

// begin records the attempt and returns the metadata the pass starts from.
func (c *Coordinator) begin(ctx context.Context) (*store.SyncMeta, error) {
	var meta *store.SyncMeta
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		m, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		now := tx.Now()
		m.LastStatus = string(StateSyncing)
		m.LastAttemptAt = &now
		if err := tx.SaveSyncMeta(m); err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

// finish records the outcome. It runs even when ctx was cancelled, so the
// outcome of an abandoned pass is still stored.
func (c *Coordinator) finish(ctx context.Context, res *Result, passErr error) {
	state := StateSuccess
	if passErr != nil {
		state = StateFailed
		res.Error = passErr.Error()
	}

	err := c.store.Update(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		m, err := tx.SyncMeta()
		if err != nil {
			return err
		}
		now := tx.Now()
		m.LastStatus = string(state)
		m.LastMode = string(res.Mode)
		m.LastError = res.Error
		if passErr == nil {
			m.LastSuccessAt = &now
		}
		if err := tx.SaveSyncMeta(m); err != nil {
			return err
		}
		res.Watermark = m.Watermark
		res.Pending, err = tx.OutboxCount()
		return err
	})
	if err != nil {
		c.log.Errorw("failed to record sync outcome", "error", err)
	}

	if passErr != nil {
		c.log.Warnw("sync failed",
			"mode", res.Mode, "error", passErr, "code", ierr.Code(passErr),
			"transient", ierr.IsTransient(passErr), "pending", res.Pending)
		if c.opts.Reporter != nil && !ierr.IsTransient(passErr) && ctx.Err() == nil {
			c.opts.Reporter.Report(passErr, map[string]string{"component": "syncer", "mode": string(res.Mode)})
		}
	} else {
		c.log.Infow("sync complete",
			"mode", res.Mode, "pushed", res.Pushed, "acked", res.Acked,
			"rejected", len(res.Rejected), "pulled", res.Pulled, "held", res.Held,
			"pending", res.Pending, "duration", res.Duration)
	}

	c.setStatus(func(s *Status) {
		s.State = state
		s.Mode = res.Mode
		s.LastResult = res
		s.LastError = res.Error
	})
	c.setStatus(func(s *Status) { s.State = StateIdle })
}
