// Package upload ships sampled route points to the remote session store
// in timed batches, surviving offline stretches without dropping points.
package upload

import (
	"context"
	"sync"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/location"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Store is the slice of the remote session store the pipeline needs.
type Store interface {
	AppendPoints(ctx context.Context, sessionID string, points []location.Sample) error
}

type Pipeline struct {
	store    Store
	log      zerolog.Logger
	interval time.Duration
	batchCap int
	timeout  time.Duration

	// sessionID yields the remote session ID, empty while offline.
	sessionID func() string
	// onNoSession fires when a flush finds no session ID, giving the
	// owner a hook to re-attempt remote session creation.
	onNoSession func(ctx context.Context)

	mu       sync.Mutex
	queue    []location.Sample
	inFlight bool
	stop     chan struct{}
}

type Options struct {
	Store       Store
	Interval    time.Duration
	BatchCap    int
	Timeout     time.Duration
	SessionID   func() string
	OnNoSession func(ctx context.Context)
	Log         zerolog.Logger
}

func New(opts Options) *Pipeline {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchCap <= 0 {
		opts.BatchCap = 200
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.SessionID == nil {
		opts.SessionID = func() string { return "" }
	}
	return &Pipeline{
		store:       opts.Store,
		log:         opts.Log,
		interval:    opts.Interval,
		batchCap:    opts.BatchCap,
		timeout:     opts.Timeout,
		sessionID:   opts.SessionID,
		onNoSession: opts.OnNoSession,
	}
}

// Push enqueues one point. Points enter in emission order and leave only
// after an acknowledged upload.
func (p *Pipeline) Push(s location.Sample) {
	p.mu.Lock()
	p.queue = append(p.queue, s)
	p.mu.Unlock()
}

func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) isInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// StartTimer begins periodic flushing. Safe to call again after StopTimer.
func (p *Pipeline) StartTimer() {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
				if err := p.Flush(ctx); err != nil {
					p.log.Warn().Err(err).Int("pending", p.Pending()).Msg("flush failed, batch requeued")
				}
				cancel()
			}
		}
	}()
}

// StopTimer halts periodic flushing; queued points stay put.
func (p *Pipeline) StopTimer() {
	p.mu.Lock()
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Flush attempts to deliver one batch of pending points. A flush with no
// remote session is a no-op that keeps everything queued. Overlapping
// flushes are skipped rather than stacked. On failure the whole batch is
// prepended back so order is preserved across retries.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil
	}
	sid := p.sessionID()
	if sid == "" {
		cb := p.onNoSession
		p.mu.Unlock()
		if cb != nil {
			cb(ctx)
		}
		return nil
	}
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	n := len(p.queue)
	if n > p.batchCap {
		n = p.batchCap
	}
	batch := make([]location.Sample, n)
	copy(batch, p.queue[:n])
	p.queue = append([]location.Sample(nil), p.queue[n:]...)
	p.inFlight = true
	p.mu.Unlock()

	err := p.store.AppendPoints(ctx, sid, batch)

	p.mu.Lock()
	p.inFlight = false
	if err != nil {
		p.queue = append(batch, p.queue...)
	}
	p.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "append points")
	}
	p.log.Debug().Int("points", len(batch)).Msg("batch uploaded")
	return nil
}

// Drain makes one final synchronous flush attempt, used on completion or
// reset. Points still pending after a failed drain are lost with the
// session; the loss is logged, never hidden. An upload already in flight
// from the last timer tick is waited out first.
func (p *Pipeline) Drain(ctx context.Context) {
	for p.isInFlight() {
		select {
		case <-ctx.Done():
			p.log.Warn().Int("lost", p.Pending()).Msg("drain timed out behind in-flight upload")
			return
		case <-time.After(time.Millisecond):
		}
	}
	for {
		before := p.Pending()
		if before == 0 {
			return
		}
		if err := p.Flush(ctx); err != nil {
			p.log.Warn().Err(err).Int("lost", p.Pending()).Msg("final flush failed, remaining points dropped with session")
			return
		}
		if p.Pending() >= before {
			// no session ID or no progress: nothing more we can do
			if p.Pending() > 0 {
				p.log.Warn().Int("lost", p.Pending()).Msg("points never reached remote store, dropped with session")
			}
			return
		}
	}
}
