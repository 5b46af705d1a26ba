package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/logger"
)

// Pinger is the part of remote.API the prober needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

const probeKey = "reachable"

type ProberOptions struct {
	Interval   time.Duration // between probes while online
	MaxBackoff time.Duration // cap on the wait between probes while offline
	CacheTTL   time.Duration // how long a probe result answers Check
	Logger     *logger.Logger
}

// Prober checks whether the sync API answers. Results are cached for
// CacheTTL so bursts of triggers do not each cost a round trip.
type Prober struct {
	pinger Pinger
	log    *logger.Logger
	cache  *gocache.Cache

	mu   sync.Mutex
	opts ProberOptions
}

func NewProber(p Pinger, opts ProberOptions) *Prober {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}
	return &Prober{
		pinger: p,
		log:    logger.OrNop(opts.Logger).Named("reachability"),
		cache:  gocache.New(gocache.NoExpiration, time.Minute),
		opts:   opts,
	}
}

// SetIntervals changes the probe cadence. A running Watch picks it up on its
// next wait.
func (p *Prober) SetIntervals(interval, maxBackoff, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval > 0 {
		p.opts.Interval = interval
	}
	if maxBackoff >= p.opts.Interval {
		p.opts.MaxBackoff = maxBackoff
	}
	p.opts.CacheTTL = ttl
}

func (p *Prober) options() ProberOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Check reports whether the API is reachable, from cache when fresh.
func (p *Prober) Check(ctx context.Context) bool {
	if v, ok := p.cache.Get(probeKey); ok {
		return v.(bool)
	}
	return p.probe(ctx)
}

// Invalidate forgets the cached result, e.g. after a pass failed with a
// network error.
func (p *Prober) Invalidate() {
	p.cache.Delete(probeKey)
}

func (p *Prober) probe(ctx context.Context) bool {
	err := p.pinger.Ping(ctx)
	ok := err == nil
	if err != nil && !ierr.IsTransient(err) {
		// The server answered, just not with a 2xx. It is reachable.
		ok = true
		p.log.Debugw("probe answered with error", "error", err)
	}
	if ttl := p.options().CacheTTL; ttl > 0 {
		p.cache.Set(probeKey, ok, ttl)
	}
	return ok
}

// Watch probes until ctx is done and calls onChange whenever reachability
// flips, starting with the first probe. While offline the wait between probes
// grows exponentially up to MaxBackoff.
func (p *Prober) Watch(ctx context.Context, onChange func(online bool)) {
	bo := p.newBackoff()
	var (
		known bool
		last  bool
	)
	for {
		online := p.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || online != last {
			known, last = true, online
			p.log.Infow("reachability changed", "online", online)
			onChange(online)
		}

		wait := p.options().Interval
		if online {
			bo = p.newBackoff()
		} else if next := bo.NextBackOff(); next != backoff.Stop {
			wait = next
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (p *Prober) newBackoff() *backoff.ExponentialBackOff {
	opts := p.options()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.Interval
	bo.MaxInterval = opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
