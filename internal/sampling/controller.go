// Package sampling owns the GPS accuracy profile for a run: it starts a
// session on the coarse warmup profile and performs a one-shot switch to
// the precision profile once enough samples or enough time has passed.
package sampling

import (
	"context"
	"sync"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/location"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Controller struct {
	source        location.Source
	warmup        location.Profile
	precision     location.Profile
	escalateCount int
	escalateAfter time.Duration
	clock         func() time.Time
	log           zerolog.Logger

	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	done      chan struct{}
	out       chan location.Sample
	sub       *location.Subscription
	startedAt time.Time
	samples   int
	escalated bool
	closed    bool
}

func New(source location.Source, warmup, precision location.Profile, escalateCount int, escalateAfter time.Duration, clock func() time.Time, log zerolog.Logger) *Controller {
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		source:        source,
		warmup:        warmup,
		precision:     precision,
		escalateCount: escalateCount,
		escalateAfter: escalateAfter,
		clock:         clock,
		log:           log,
		done:          make(chan struct{}),
		out:           make(chan location.Sample, 32),
	}
}

// Samples is the controller's outward stream. It stays open across
// escalation and pause/resume and closes only on Close.
func (c *Controller) Samples() <-chan location.Sample { return c.out }

func (c *Controller) Escalated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.escalated
}

func (c *Controller) SampleCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

// Start subscribes under the warmup profile and arms the time-based
// escalation trigger.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.startedAt = c.clock()
	c.mu.Unlock()

	if err := c.subscribe(c.warmup); err != nil {
		return err
	}

	go func() {
		select {
		case <-time.After(c.escalateAfter):
			c.maybeEscalate()
		case <-ctx.Done():
		}
	}()
	return nil
}

// Stop tears down the current subscription; the escalation flag and the
// sample counter survive so Resume picks the right profile.
func (c *Controller) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Resume re-subscribes using precision if the session has escalated
// (or should have while paused), warmup otherwise.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(location.ErrSourceUnavailable, "controller closed")
	}
	if !c.escalated && c.clock().Sub(c.startedAt) >= c.escalateAfter {
		c.escalated = true
	}
	profile := c.warmup
	if c.escalated {
		profile = c.precision
	}
	c.mu.Unlock()
	return c.subscribe(profile)
}

// Close stops sampling for good and closes the outward stream once all
// forwarding loops have drained.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	close(c.done)
	if sub != nil {
		sub.Unsubscribe()
	}
	c.wg.Wait()
	close(c.out)
}

func (c *Controller) subscribe(profile location.Profile) error {
	c.mu.Lock()
	ctx := c.ctx
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.Wrap(location.ErrSourceUnavailable, "controller closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sub, err := c.source.Subscribe(ctx, profile)
	if err != nil {
		if errors.Is(err, location.ErrPermissionDenied) || errors.Is(err, location.ErrSourceUnavailable) {
			return err
		}
		return errors.Wrapf(location.ErrSourceUnavailable, "subscribe %s: %v", profile.Name, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return errors.Wrap(location.ErrSourceUnavailable, "controller closed")
	}
	c.sub = sub
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info().Str("profile", profile.Name).Msg("location subscription active")
	go c.forward(sub)
	return nil
}

// forward relays one subscription's samples onto the outward stream,
// counting emissions and firing the count-based escalation trigger.
func (c *Controller) forward(sub *location.Subscription) {
	defer c.wg.Done()
	for {
		var sample location.Sample
		var ok bool
		select {
		case <-c.done:
			return
		case sample, ok = <-sub.C:
			if !ok {
				return
			}
		}

		c.mu.Lock()
		if c.closed || c.sub != sub {
			// stale subscription: superseded by escalation, pause, or close
			c.mu.Unlock()
			continue
		}
		c.samples++
		hitCount := !c.escalated && c.samples >= c.escalateCount
		c.mu.Unlock()

		select {
		case c.out <- sample:
		default:
			c.log.Debug().Msg("sample dropped, consumer backlogged")
		}

		if hitCount {
			c.maybeEscalate()
		}
	}
}

// maybeEscalate performs the one-shot warmup -> precision switch.
func (c *Controller) maybeEscalate() {
	c.mu.Lock()
	if c.closed || c.escalated {
		c.mu.Unlock()
		return
	}
	if c.samples < c.escalateCount && c.clock().Sub(c.startedAt) < c.escalateAfter {
		c.mu.Unlock()
		return
	}
	c.escalated = true
	old := c.sub
	c.sub = nil
	c.mu.Unlock()

	if old == nil {
		// paused: Resume will pick the precision profile
		return
	}
	old.Unsubscribe()

	if err := c.subscribe(c.precision); err != nil {
		c.log.Warn().Err(err).Msg("precision re-subscribe failed, route frozen until resume")
		return
	}
	c.log.Info().Int("samples", c.SampleCount()).Msg("escalated to precision sampling")
}
