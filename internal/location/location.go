package location

import (
	"context"
	"errors"
	"time"
)

// Subscription failures the accuracy controller surfaces to the session.
var (
	ErrPermissionDenied  = errors.New("location permission denied")
	ErrSourceUnavailable = errors.New("location source unavailable")
)

// Sample is one positional reading. AccuracyM is informational only and
// may be dropped after ingestion.
type Sample struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Profile is an opaque accuracy/frequency request passed to the source.
type Profile struct {
	Name         string
	Interval     time.Duration
	MinDistanceM float64
}

// WarmupProfile and PrecisionProfile build the two sampling profiles the
// accuracy controller switches between.
func WarmupProfile(interval time.Duration, minDistanceM float64) Profile {
	return Profile{Name: "warmup", Interval: interval, MinDistanceM: minDistanceM}
}

func PrecisionProfile(interval time.Duration, minDistanceM float64) Profile {
	return Profile{Name: "precision", Interval: interval, MinDistanceM: minDistanceM}
}

// Source emits positional samples asynchronously under a requested profile.
type Source interface {
	Subscribe(ctx context.Context, profile Profile) (*Subscription, error)
}

// Subscription delivers samples on C until Unsubscribe closes it. Late
// consumers must treat a closed channel as the end of the subscription;
// the emitting side never blocks on a slow consumer.
type Subscription struct {
	C    <-chan Sample
	stop func()
}

func NewSubscription(c <-chan Sample, stop func()) *Subscription {
	return &Subscription{C: c, stop: stop}
}

func (s *Subscription) Unsubscribe() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// PermissionGate reports whether the location source is authorized.
type PermissionGate interface {
	IsAuthorized() bool
	RequestAuthorization() bool
}

// StaticGate is a fixed-answer permission gate, handy for tests and for
// platforms where authorization is resolved before the engine starts.
type StaticGate bool

func (g StaticGate) IsAuthorized() bool         { return bool(g) }
func (g StaticGate) RequestAuthorization() bool { return bool(g) }
