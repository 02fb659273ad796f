package tracking

import (
	"fmt"
	"time"
)

type Run struct {
	ID             string    `json:"id"`
	RunType        string    `json:"run_type"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	TotalDistanceM float64   `json:"total_distance_m"`
	DurationS      float64   `json:"duration_s"`
	PaceMinKm      float64   `json:"pace_min_km"`
	Calories       int       `json:"calories"`
}

type Point struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recorded_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary is the enhanced read model: distances and durations in the
// units clients render directly.
type Summary struct {
	RunID             string  `json:"run_id"`
	RunType           string  `json:"run_type"`
	Status            string  `json:"status"`
	PointCount        int     `json:"point_count"`
	DistanceM         float64 `json:"distance_m"`
	DistanceKm        float64 `json:"distance_km"`
	DurationS         float64 `json:"duration_s"`
	DurationFormatted string  `json:"duration_formatted"`
	PaceMinKm         float64 `json:"pace_min_km"`
	SpeedKmh          float64 `json:"speed_kmh"`
	Calories          int     `json:"calories"`
}

// LiveMetrics is the payload broadcast to stream subscribers after every
// accepted point batch.
type LiveMetrics struct {
	RunID     string  `json:"run_id"`
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
	PaceMinKm float64 `json:"pace_min_km"`
	Calories  int     `json:"calories"`
}

func formatDuration(seconds float64) string {
	s := int64(seconds)
	if s >= 3600 {
		return fmt.Sprintf("%dh %dm", s/3600, (s%3600)/60)
	}
	return fmt.Sprintf("%dm %ds", s/60, s%60)
}
