package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/location"

	"github.com/rs/zerolog"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSub struct {
	ch   chan location.Sample
	once sync.Once
	// leaky subs simulate a source whose callbacks outlive unsubscribe
	leaky bool
}

func (f *fakeSub) close() {
	if f.leaky {
		return
	}
	f.once.Do(func() { close(f.ch) })
}

type fakeSource struct {
	mu    sync.Mutex
	subs  []*fakeSub
	err   error
	leaky bool
}

func (f *fakeSource) Subscribe(_ context.Context, _ location.Profile) (*location.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	fs := &fakeSub{ch: make(chan location.Sample, 64), leaky: f.leaky}
	f.subs = append(f.subs, fs)
	return location.NewSubscription(fs.ch, fs.close), nil
}

func (f *fakeSource) emit(s location.Sample) {
	f.mu.Lock()
	sub := f.subs[len(f.subs)-1]
	f.mu.Unlock()
	sub.ch <- s
}

type recordStore struct {
	mu        sync.Mutex
	createErr error
	appendErr error
	finishErr error
	creates   int
	batches   [][]location.Sample
	finished  string
}

func (r *recordStore) CreateSession(_ context.Context, _ string, _ time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if r.createErr != nil {
		return "", r.createErr
	}
	return "remote-1", nil
}

func (r *recordStore) AppendPoints(_ context.Context, _ string, points []location.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	batch := make([]location.Sample, len(points))
	copy(batch, points)
	r.batches = append(r.batches, batch)
	return nil
}

func (r *recordStore) FinishSession(_ context.Context, sessionID string, _ time.Time, _ float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finishErr != nil {
		return r.finishErr
	}
	r.finished = sessionID
	return nil
}

func (r *recordStore) delivered() []location.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []location.Sample
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func (r *recordStore) setCreateErr(err error) {
	r.mu.Lock()
	r.createErr = err
	r.mu.Unlock()
}

func newTestEngine(src location.Source, store SessionStore, clock *fakeClock) *Engine {
	return New(Options{
		Source:              src,
		Store:               store,
		EscalateSampleCount: 1000,
		EscalateAfter:       time.Hour,
		FlushInterval:       10 * time.Millisecond,
		MetricsTick:         5 * time.Millisecond,
		RemoteTimeout:       time.Second,
		Clock:               clock.Now,
		Log:                 zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestTransitionPreconditions(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(&fakeSource{}, nil, clock)

	if err := e.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pause from idle: %v", err)
	}
	if err := e.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("resume from idle: %v", err)
	}
	if err := e.Complete(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("complete from idle: %v", err)
	}

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(context.Background(), "run"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("double start: %v", err)
	}
	if err := e.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("resume while running: %v", err)
	}

	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// a completed session can start fresh
	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("restart after complete: %v", err)
	}
	e.Reset()
}

func TestActiveDurationExcludesPause(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(&fakeSource{}, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// run 5s, pause 5s, run 10s: 20s wall clock, 15s active
	clock.Advance(5 * time.Second)
	if err := e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	snap := e.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if math.Abs(snap.Metrics.DurationS-15) > 0.001 {
		t.Fatalf("active duration should exclude pause: got %v, want 15", snap.Metrics.DurationS)
	}
}

func TestZeroLengthPauseIsFree(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(&fakeSource{}, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got := e.Snapshot().Metrics.DurationS; math.Abs(got-10) > 0.001 {
		t.Fatalf("zero-length pause must not change duration: got %v, want 10", got)
	}
}

func TestMetricsFromStraightLineRoute(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{}
	e := newTestEngine(src, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 100 m due north over 2 seconds: first two samples coincide
	src.emit(location.Sample{Lat: 0, Lng: 0, RecordedAt: clock.Now()})
	clock.Advance(time.Second)
	src.emit(location.Sample{Lat: 0, Lng: 0, RecordedAt: clock.Now()})
	clock.Advance(time.Second)
	const latPer100m = 100.0 / 111194.93
	src.emit(location.Sample{Lat: latPer100m, Lng: 0, RecordedAt: clock.Now()})

	waitFor(t, "route and metrics", func() bool {
		snap := e.Snapshot()
		return len(snap.Route) == 3 && snap.Metrics.DistanceM > 0
	})

	snap := e.Snapshot()
	if math.Abs(snap.Metrics.DistanceM-100) > 1 {
		t.Fatalf("distance: got %v, want ~100", snap.Metrics.DistanceM)
	}
	if math.Abs(snap.Metrics.DurationS-2) > 0.001 {
		t.Fatalf("duration: got %v, want 2", snap.Metrics.DurationS)
	}
	wantPace := (2.0 / 60.0) / (snap.Metrics.DistanceM / 1000)
	if math.Abs(snap.Metrics.CurrentPaceMinKm-wantPace) > 0.01 {
		t.Fatalf("current pace: got %v, want %v", snap.Metrics.CurrentPaceMinKm, wantPace)
	}
	if math.Abs(snap.Metrics.AveragePaceMinKm-wantPace) > 0.01 {
		t.Fatalf("average pace: got %v, want %v", snap.Metrics.AveragePaceMinKm, wantPace)
	}

	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestRemoteLifecycle(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{}
	store := &recordStore{}
	e := newTestEngine(src, store, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "remote session", func() bool { return e.Snapshot().RemoteID == "remote-1" })

	for i := 0; i < 5; i++ {
		src.emit(location.Sample{Lat: float64(i) * 0.0001, RecordedAt: clock.Now()})
		clock.Advance(time.Second)
	}
	waitFor(t, "route", func() bool { return len(e.Snapshot().Route) == 5 })

	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	delivered := store.delivered()
	if len(delivered) != 5 {
		t.Fatalf("expected all points delivered, got %d", len(delivered))
	}
	for i, s := range delivered {
		if s.Lat != float64(i)*0.0001 {
			t.Fatalf("delivery order broken at %d", i)
		}
	}
	if store.finished != "remote-1" {
		t.Fatalf("expected remote finish call, got %q", store.finished)
	}
}

func TestOfflineStartRecoversWhenStoreReturns(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{}
	store := &recordStore{createErr: errors.New("network down")}
	e := newTestEngine(src, store, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start must not fail offline: %v", err)
	}
	src.emit(location.Sample{Lat: 0.001, RecordedAt: clock.Now()})
	src.emit(location.Sample{Lat: 0.002, RecordedAt: clock.Now()})
	waitFor(t, "route", func() bool { return len(e.Snapshot().Route) == 2 })

	// flush ticks keep re-attempting creation
	waitFor(t, "create retries", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.creates >= 2
	})
	if e.Snapshot().RemoteID != "" {
		t.Fatalf("expected no remote session while offline")
	}

	store.setCreateErr(nil)
	waitFor(t, "remote session after recovery", func() bool { return e.Snapshot().RemoteID == "remote-1" })
	waitFor(t, "queued points uploaded", func() bool { return len(store.delivered()) == 2 })

	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestCompletedOfflineRunCreatesNoRemoteSession(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{}
	store := &recordStore{createErr: errors.New("network down")}
	// hour-long timers so the only create attempts are the one at start
	// and whatever the completion drain tries
	e := New(Options{
		Source:              src,
		Store:               store,
		EscalateSampleCount: 1000,
		EscalateAfter:       time.Hour,
		FlushInterval:       time.Hour,
		MetricsTick:         time.Hour,
		RemoteTimeout:       time.Second,
		Clock:               clock.Now,
		Log:                 zerolog.Nop(),
	})

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.emit(location.Sample{Lat: 0.001, RecordedAt: clock.Now()})
	waitFor(t, "route", func() bool { return len(e.Snapshot().Route) == 1 })
	waitFor(t, "create attempt", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.creates >= 1
	})

	// the store comes back only after the run is over
	store.setCreateErr(nil)
	clock.Advance(time.Second)
	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if got := e.Snapshot().RemoteID; got != "" {
		t.Fatalf("completed run must not adopt a remote session, got %q", got)
	}
	store.mu.Lock()
	creates, finished := store.creates, store.finished
	store.mu.Unlock()
	if creates != 1 {
		t.Fatalf("completion drain must not create a remote session, got %d attempts", creates)
	}
	if finished != "" {
		t.Fatalf("nothing to finish without a session, finished %q", finished)
	}
}

func TestResetReturnsDefaults(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{}
	store := &recordStore{}
	e := newTestEngine(src, store, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.emit(location.Sample{Lat: 0.001, RecordedAt: clock.Now()})
	waitFor(t, "route", func() bool { return len(e.Snapshot().Route) == 1 })

	e.Reset()
	snap := e.Snapshot()
	if snap.Status != StatusIdle {
		t.Fatalf("expected idle after reset, got %s", snap.Status)
	}
	if len(snap.Route) != 0 {
		t.Fatalf("expected empty route after reset")
	}
	if snap.RemoteID != "" || snap.RunID != "" {
		t.Fatalf("expected cleared identifiers")
	}
	if snap.Metrics != (Metrics{}) {
		t.Fatalf("expected zeroed metrics, got %+v", snap.Metrics)
	}

	// reset is valid from any state, including idle
	e.Reset()
}

func TestSamplesWhilePausedAreDiscarded(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{leaky: true} // unsubscribe does not stop emissions
	e := newTestEngine(src, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.emit(location.Sample{Lat: 0.001, RecordedAt: clock.Now()})
	waitFor(t, "route", func() bool { return len(e.Snapshot().Route) == 1 })

	if err := e.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	src.emit(location.Sample{Lat: 0.002, RecordedAt: clock.Now()})
	time.Sleep(30 * time.Millisecond)

	if got := len(e.Snapshot().Route); got != 1 {
		t.Fatalf("sample during pause must be discarded, route has %d points", got)
	}
	e.Reset()
}

func TestPermissionDeniedRunsWithFrozenRoute(t *testing.T) {
	clock := newFakeClock()
	e := New(Options{
		Source:        &fakeSource{},
		Gate:          location.StaticGate(false),
		MetricsTick:   5 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		Clock:         clock.Now,
		Log:           zerolog.Nop(),
	})

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start must succeed without permission: %v", err)
	}
	clock.Advance(3 * time.Second)

	waitFor(t, "duration accrual", func() bool { return e.Snapshot().Metrics.DurationS >= 3 })
	snap := e.Snapshot()
	if snap.LastError == "" {
		t.Fatalf("expected surfaced permission error")
	}
	if len(snap.Route) != 0 {
		t.Fatalf("expected frozen route")
	}
	if err := e.Complete(); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSourceRejectionDoesNotFailStart(t *testing.T) {
	clock := newFakeClock()
	src := &fakeSource{err: errors.New("gps unavailable")}
	e := newTestEngine(src, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start must not propagate source errors: %v", err)
	}
	if e.Snapshot().LastError == "" {
		t.Fatalf("expected surfaced source error")
	}
	e.Reset()
}

func TestClockAnomalyClampsDuration(t *testing.T) {
	clock := newFakeClock()
	e := newTestEngine(&fakeSource{}, nil, clock)

	if err := e.Start(context.Background(), "run"); err != nil {
		t.Fatalf("start: %v", err)
	}
	clock.Advance(-time.Hour) // clock jumps backwards
	waitFor(t, "tick", func() bool { return e.Snapshot().Status == StatusRunning })
	time.Sleep(20 * time.Millisecond)
	if got := e.Snapshot().Metrics.DurationS; got < 0 {
		t.Fatalf("duration must clamp at zero, got %v", got)
	}
	e.Reset()
}
