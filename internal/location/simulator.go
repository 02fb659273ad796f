package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/geo"

	"github.com/rs/zerolog"
)

const earthRadiusM = 6371000.0

// Simulator is a synthetic location source: it walks from a start
// coordinate along a fixed bearing at constant speed and emits a sample
// per profile interval, honoring the profile's minimum movement filter.
type Simulator struct {
	StartLat float64
	StartLng float64
	// BearingDeg is measured clockwise from true north.
	BearingDeg float64
	SpeedMps   float64
	Clock      func() time.Time
	Log        zerolog.Logger

	mu      sync.Mutex
	started time.Time
}

func (s *Simulator) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

func (s *Simulator) Subscribe(ctx context.Context, profile Profile) (*Subscription, error) {
	if s.SpeedMps < 0 || profile.Interval <= 0 {
		return nil, ErrSourceUnavailable
	}

	s.mu.Lock()
	if s.started.IsZero() {
		s.started = s.now()
	}
	origin := s.started
	s.mu.Unlock()

	out := make(chan Sample, 16)
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		ticker := time.NewTicker(profile.Interval)
		defer ticker.Stop()

		var lastLat, lastLng float64
		emitted := false
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := s.now()
				traveled := s.SpeedMps * now.Sub(origin).Seconds()
				lat, lng := s.position(traveled)
				if emitted {
					moved := geo.HaversineM(lastLat, lastLng, lat, lng)
					if moved < profile.MinDistanceM {
						continue
					}
				}
				sample := Sample{Lat: lat, Lng: lng, AccuracyM: profile.MinDistanceM, RecordedAt: now}
				select {
				case out <- sample:
					lastLat, lastLng = lat, lng
					emitted = true
				default:
					s.Log.Debug().Str("profile", profile.Name).Msg("simulator dropped sample, consumer slow")
				}
			}
		}
	}()

	return NewSubscription(out, stop), nil
}

// position projects the start point traveled meters along the bearing.
func (s *Simulator) position(traveledM float64) (float64, float64) {
	bearing := s.BearingDeg * math.Pi / 180
	dLat := traveledM * math.Cos(bearing) / earthRadiusM * 180 / math.Pi
	latRad := s.StartLat * math.Pi / 180
	dLng := traveledM * math.Sin(bearing) / (earthRadiusM * math.Cos(latRad)) * 180 / math.Pi
	return s.StartLat + dLat, s.StartLng + dLng
}
