// Package engine owns the lifecycle of one exercise session: it starts
// and stops GPS sampling through the accuracy controller, accumulates
// the route, derives live metrics on a tick, and feeds the upload
// pipeline. Local state is the source of truth; remote sync is advisory
// and never fails a transition.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/geo"
	"github.com/ShaelynLi/fitquest-sub000/internal/location"
	"github.com/ShaelynLi/fitquest-sub000/internal/sampling"
	"github.com/ShaelynLi/fitquest-sub000/internal/upload"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

var (
	ErrAlreadyActive = errors.New("session already active")
	ErrNotRunning    = errors.New("session is not running")
	ErrNotPaused     = errors.New("session is not paused")
	ErrNotActive     = errors.New("session is not active")
)

// SessionStore is the remote side of a run. All three calls are safe to
// retry; the engine needs at-least-once, not exactly-once.
type SessionStore interface {
	CreateSession(ctx context.Context, runType string, startedAt time.Time) (string, error)
	AppendPoints(ctx context.Context, sessionID string, points []location.Sample) error
	FinishSession(ctx context.Context, sessionID string, endedAt time.Time, activeDurationS float64) error
}

// Metrics is replaced wholesale every tick, never patched in place.
type Metrics struct {
	DistanceM        float64 `json:"distance_m"`
	DurationS        float64 `json:"duration_s"`
	CurrentPaceMinKm float64 `json:"current_pace_min_km"`
	AveragePaceMinKm float64 `json:"average_pace_min_km"`
	Calories         int     `json:"calories"`
}

// Snapshot is the read-only view handed to consumers.
type Snapshot struct {
	Status    Status            `json:"status"`
	RunType   string            `json:"run_type"`
	RunID     string            `json:"run_id"`
	RemoteID  string            `json:"remote_id,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`
	EndedAt   time.Time         `json:"ended_at,omitempty"`
	Metrics   Metrics           `json:"metrics"`
	Route     []location.Sample `json:"route"`
	LastError string            `json:"last_error,omitempty"`
}

type Options struct {
	Source location.Source
	Store  SessionStore // nil runs fully offline
	Gate   location.PermissionGate

	Warmup              location.Profile
	Precision           location.Profile
	EscalateSampleCount int
	EscalateAfter       time.Duration

	FlushInterval time.Duration
	FlushBatchCap int
	MetricsTick   time.Duration
	RemoteTimeout time.Duration

	WeightKg           float64
	CalorieBurnPerKgKm float64
	CurrentPaceWindow  time.Duration

	Clock func() time.Time
	Log   zerolog.Logger
	// OnMetrics, when set, receives a snapshot after every metrics tick.
	OnMetrics func(Snapshot)
}

type Engine struct {
	opts  Options
	clock func() time.Time
	log   zerolog.Logger

	mu             sync.Mutex
	status         Status
	epoch          uint64
	runID          string
	runType        string
	remoteID       string
	startedAt      time.Time
	endedAt        time.Time
	pauseStartedAt time.Time
	pausedAccum    time.Duration
	route          []location.Sample
	metrics        Metrics
	lastErr        error
	creating       bool

	controller *sampling.Controller
	pipeline   *upload.Pipeline
	tickStop   chan struct{}
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Warmup.Interval <= 0 {
		opts.Warmup = location.WarmupProfile(2*time.Second, 5)
	}
	if opts.Precision.Interval <= 0 {
		opts.Precision = location.PrecisionProfile(time.Second, 1)
	}
	if opts.EscalateSampleCount <= 0 {
		opts.EscalateSampleCount = 10
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = 30 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.MetricsTick <= 0 {
		opts.MetricsTick = time.Second
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 5 * time.Second
	}
	if opts.WeightKg <= 0 {
		opts.WeightKg = 70
	}
	if opts.CalorieBurnPerKgKm <= 0 {
		opts.CalorieBurnPerKgKm = 0.75
	}
	if opts.CurrentPaceWindow <= 0 {
		opts.CurrentPaceWindow = time.Minute
	}
	return &Engine{
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Log,
		status: StatusIdle,
	}
}

// Start begins a fresh run. Valid from Idle and Completed; route and
// metrics from a previous run are discarded. Remote session creation is
// kicked off asynchronously and its failure keeps the run offline.
func (e *Engine) Start(ctx context.Context, runType string) error {
	if runType == "" {
		runType = "run"
	}

	e.mu.Lock()
	if e.status == StatusRunning || e.status == StatusPaused {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	e.epoch++
	epoch := e.epoch
	e.status = StatusRunning
	e.runID = uuid.NewString()
	e.runType = runType
	e.remoteID = ""
	e.startedAt = e.clock()
	e.endedAt = time.Time{}
	e.pauseStartedAt = time.Time{}
	e.pausedAccum = 0
	e.route = nil
	e.metrics = Metrics{}
	e.lastErr = nil
	e.creating = false

	e.pipeline = upload.New(upload.Options{
		Store:     storeAdapter{e.opts.Store},
		Interval:  e.opts.FlushInterval,
		BatchCap:  e.opts.FlushBatchCap,
		Timeout:   e.opts.RemoteTimeout,
		SessionID: e.sessionIDFunc(epoch),
		OnNoSession: func(ctx context.Context) {
			e.ensureRemoteSession(ctx, epoch)
		},
		Log: e.log,
	})
	e.controller = sampling.New(
		e.opts.Source,
		e.opts.Warmup, e.opts.Precision,
		e.opts.EscalateSampleCount, e.opts.EscalateAfter,
		e.clock, e.log,
	)
	if e.tickStop != nil {
		close(e.tickStop)
	}
	e.tickStop = make(chan struct{})
	ctrl, pipe, tickStop := e.controller, e.pipeline, e.tickStop

	authorized := true
	if e.opts.Gate != nil && !e.opts.Gate.IsAuthorized() {
		authorized = e.opts.Gate.RequestAuthorization()
	}
	runID := e.runID
	e.mu.Unlock()

	go e.consume(epoch, ctrl)

	if !authorized {
		e.recordErr(location.ErrPermissionDenied)
		e.log.Warn().Str("run", runID).Msg("location permission denied, duration accrues with frozen route")
	} else if err := ctrl.Start(ctx); err != nil {
		e.recordErr(err)
		e.log.Warn().Err(err).Str("run", runID).Msg("location source rejected subscription, route frozen")
	}

	// The flush timer runs for the whole Running phase: while no remote
	// session exists each tick re-attempts creation instead of uploading.
	pipe.StartTimer()
	go e.tickLoop(epoch, tickStop)
	if e.opts.Store != nil {
		go e.ensureRemoteSession(context.Background(), epoch)
	}

	e.log.Info().Str("run", runID).Str("type", runType).Msg("run started")
	return nil
}

// Pause freezes sampling and uploading but keeps all in-memory state.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.status != StatusRunning {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.pauseStartedAt = e.clock()
	e.status = StatusPaused
	ctrl, pipe := e.controller, e.pipeline
	e.mu.Unlock()

	ctrl.Stop()
	pipe.StopTimer()
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RemoteTimeout)
	defer cancel()
	if err := pipe.Flush(ctx); err != nil {
		e.log.Warn().Err(err).Msg("pause flush failed, points stay queued")
	}
	e.log.Info().Msg("run paused")
	return nil
}

// Resume restarts sampling (honoring prior escalation) and uploading,
// and credits the paused interval.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotPaused
	}
	e.pausedAccum += e.clock().Sub(e.pauseStartedAt)
	e.pauseStartedAt = time.Time{}
	e.status = StatusRunning
	ctrl, pipe := e.controller, e.pipeline
	e.mu.Unlock()

	if err := ctrl.Resume(); err != nil {
		e.recordErr(err)
		e.log.Warn().Err(err).Msg("resume subscription failed, route frozen")
	}
	pipe.StartTimer()
	e.log.Info().Msg("run resumed")
	return nil
}

// Complete ends the run: final metrics, final flush, best-effort remote
// finish. Remote failure never reverts local completion.
func (e *Engine) Complete() error {
	e.mu.Lock()
	if e.status != StatusRunning && e.status != StatusPaused {
		e.mu.Unlock()
		return ErrNotActive
	}
	now := e.clock()
	if e.status == StatusPaused {
		e.pausedAccum += now.Sub(e.pauseStartedAt)
		e.pauseStartedAt = time.Time{}
	}
	e.status = StatusCompleted
	e.endedAt = now
	e.metrics = e.computeMetricsLocked(now)
	ctrl, pipe := e.controller, e.pipeline
	tickStop := e.tickStop
	e.tickStop = nil
	remoteID := e.remoteID
	runID := e.runID
	activeDuration := e.metrics.DurationS
	e.mu.Unlock()

	if tickStop != nil {
		close(tickStop)
	}
	ctrl.Close()
	pipe.StopTimer()

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RemoteTimeout)
	defer cancel()
	pipe.Drain(ctx)

	if e.opts.Store != nil && remoteID != "" {
		if err := e.opts.Store.FinishSession(ctx, remoteID, now, activeDuration); err != nil {
			e.log.Warn().Err(err).Str("run", runID).Msg("remote finish failed, local completion stands")
		}
	}
	e.log.Info().Str("run", runID).Msg("run completed")
	return nil
}

// Reset tears everything down and returns the session to defaults. Valid
// from any state; a final flush attempt is made before the pipeline dies.
func (e *Engine) Reset() {
	e.mu.Lock()
	ctrl, pipe := e.controller, e.pipeline
	tickStop := e.tickStop
	e.controller, e.pipeline, e.tickStop = nil, nil, nil
	e.status = StatusIdle
	e.mu.Unlock()

	if tickStop != nil {
		close(tickStop)
	}
	if ctrl != nil {
		ctrl.Close()
	}
	if pipe != nil {
		pipe.StopTimer()
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.RemoteTimeout)
		pipe.Drain(ctx)
		cancel()
	}

	e.mu.Lock()
	e.epoch++
	e.runID = ""
	e.runType = ""
	e.remoteID = ""
	e.startedAt = time.Time{}
	e.endedAt = time.Time{}
	e.pauseStartedAt = time.Time{}
	e.pausedAccum = 0
	e.route = nil
	e.metrics = Metrics{}
	e.lastErr = nil
	e.creating = false
	e.mu.Unlock()

	e.log.Info().Msg("run reset")
}

// Snapshot returns a consistent copy of the session for consumers.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	route := make([]location.Sample, len(e.route))
	copy(route, e.route)
	snap := Snapshot{
		Status:    e.status,
		RunType:   e.runType,
		RunID:     e.runID,
		RemoteID:  e.remoteID,
		StartedAt: e.startedAt,
		EndedAt:   e.endedAt,
		Metrics:   e.metrics,
		Route:     route,
	}
	if e.lastErr != nil {
		snap.LastError = e.lastErr.Error()
	}
	return snap
}

// consume appends samples to the route in emission order. Samples from a
// superseded run generation, or arriving while not Running, are dropped.
func (e *Engine) consume(epoch uint64, ctrl *sampling.Controller) {
	for s := range ctrl.Samples() {
		e.mu.Lock()
		if e.epoch != epoch || e.status != StatusRunning {
			e.mu.Unlock()
			e.log.Debug().Msg("stale sample discarded")
			continue
		}
		e.route = append(e.route, s)
		pipe := e.pipeline
		e.mu.Unlock()
		pipe.Push(s)
	}
}

func (e *Engine) tickLoop(epoch uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(e.opts.MetricsTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.tick(epoch)
		}
	}
}

// tick recomputes the metrics snapshot from the accumulated route. It
// does nothing while not Running.
func (e *Engine) tick(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch || e.status != StatusRunning {
		e.mu.Unlock()
		return
	}
	e.metrics = e.computeMetricsLocked(e.clock())
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if e.opts.OnMetrics != nil {
		e.opts.OnMetrics(snap)
	}
}

func (e *Engine) computeMetricsLocked(now time.Time) Metrics {
	duration := e.activeDurationLocked(now)
	distance := routeDistanceM(e.route)
	return Metrics{
		DistanceM:        distance,
		DurationS:        duration.Seconds(),
		CurrentPaceMinKm: e.currentPaceLocked(now, distance, duration),
		AveragePaceMinKm: geo.PaceMinPerKm(distance, duration.Seconds()),
		Calories:         geo.Calories(distance, e.opts.WeightKg, e.opts.CalorieBurnPerKgKm),
	}
}

// activeDurationLocked is wall time since start minus accumulated pause
// time, clamped at zero against clock skew.
func (e *Engine) activeDurationLocked(now time.Time) time.Duration {
	if e.startedAt.IsZero() {
		return 0
	}
	ref := now
	switch e.status {
	case StatusPaused:
		ref = e.pauseStartedAt
	case StatusCompleted:
		ref = e.endedAt
	}
	d := ref.Sub(e.startedAt) - e.pausedAccum
	if d < 0 {
		e.log.Warn().Dur("duration", d).Msg("clock anomaly, clamping active duration to zero")
		return 0
	}
	return d
}

// currentPaceLocked derives pace over the trailing window of route
// points, falling back to the whole-run average when the window holds
// too little data.
func (e *Engine) currentPaceLocked(now time.Time, distance float64, duration time.Duration) float64 {
	cutoff := now.Add(-e.opts.CurrentPaceWindow)
	start := 0
	for start < len(e.route) && e.route[start].RecordedAt.Before(cutoff) {
		start++
	}
	window := e.route[start:]
	if len(window) < 2 {
		return geo.PaceMinPerKm(distance, duration.Seconds())
	}
	windowDist := routeDistanceM(window)
	windowDur := window[len(window)-1].RecordedAt.Sub(window[0].RecordedAt)
	if windowDist <= 0 || windowDur <= 0 {
		return geo.PaceMinPerKm(distance, duration.Seconds())
	}
	return geo.PaceMinPerKm(windowDist, windowDur.Seconds())
}

// ensureRemoteSession attempts the remote create once, single-flight.
// Called asynchronously at start and from every offline flush tick, so
// a run that starts offline picks up a session ID as soon as the store
// becomes reachable. Only an active run may create or adopt a remote
// session; the final drain of a completed offline run must not leave an
// orphan session behind on the server.
func (e *Engine) ensureRemoteSession(ctx context.Context, epoch uint64) {
	e.mu.Lock()
	active := e.status == StatusRunning || e.status == StatusPaused
	if e.opts.Store == nil || e.epoch != epoch || !active || e.remoteID != "" || e.creating {
		e.mu.Unlock()
		return
	}
	e.creating = true
	runType, startedAt := e.runType, e.startedAt
	e.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, e.opts.RemoteTimeout)
	defer cancel()
	id, err := e.opts.Store.CreateSession(cctx, runType, startedAt)

	e.mu.Lock()
	e.creating = false
	stillActive := e.status == StatusRunning || e.status == StatusPaused
	if err == nil && e.epoch == epoch && stillActive && e.remoteID == "" {
		e.remoteID = id
	}
	e.mu.Unlock()

	if err != nil {
		e.log.Warn().Err(err).Msg("remote session create failed, tracking offline")
	} else {
		e.log.Info().Str("session", id).Msg("remote session created")
	}
}

func (e *Engine) sessionIDFunc(epoch uint64) func() string {
	return func() string {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.epoch != epoch {
			return ""
		}
		return e.remoteID
	}
}

func (e *Engine) recordErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func routeDistanceM(route []location.Sample) float64 {
	if len(route) < 2 {
		return 0
	}
	points := make([]geo.Point, len(route))
	for i, s := range route {
		points[i] = geo.Point{Lat: s.Lat, Lng: s.Lng}
	}
	return geo.RouteDistanceM(points)
}

// storeAdapter narrows a SessionStore to the pipeline's upload interface
// while tolerating a nil store (fully offline runs).
type storeAdapter struct {
	store SessionStore
}

func (a storeAdapter) AppendPoints(ctx context.Context, sessionID string, points []location.Sample) error {
	if a.store == nil {
		return errors.New("no remote store configured")
	}
	return a.store.AppendPoints(ctx, sessionID, points)
}
