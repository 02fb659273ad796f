package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/db"
	"github.com/ShaelynLi/fitquest-sub000/internal/geo"
	"github.com/ShaelynLi/fitquest-sub000/internal/stream"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Service struct {
	db       db.Querier
	hub      *stream.Hub
	weightKg float64
	perKgKm  float64
}

func NewService(q db.Querier, hub *stream.Hub, weightKg, perKgKm float64) *Service {
	if weightKg <= 0 {
		weightKg = 70
	}
	if perKgKm <= 0 {
		perKgKm = 0.75
	}
	return &Service{db: q, hub: hub, weightKg: weightKg, perKgKm: perKgKm}
}

func (s *Service) CreateRun(ctx context.Context, runType string, startedAt time.Time) (Run, error) {
	run := Run{
		ID:      uuid.NewString(),
		RunType: runType,
		Status:  "active",
	}
	if run.RunType == "" {
		run.RunType = "run"
	}
	run.StartedAt = startedAt
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO runs (id, run_type, status, started_at)
		VALUES ($1,$2,$3,$4)
		RETURNING started_at, status
	`, run.ID, run.RunType, run.Status, run.StartedAt)
	if err := row.Scan(&run.StartedAt, &run.Status); err != nil {
		return Run{}, err
	}
	return run, nil
}

// AppendPoints inserts a point batch in one statement, extends the run's
// cumulative distance by the haversine chain from the last stored point,
// and broadcasts fresh live metrics.
func (s *Service) AppendPoints(ctx context.Context, runID string, points []Point) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	var lastLat, lastLng float64
	havePrev := false
	err := s.db.QueryRow(ctx, `
		SELECT lat, lng FROM run_points
		WHERE run_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, runID).Scan(&lastLat, &lastLng)
	switch {
	case err == nil:
		havePrev = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return 0, err
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO run_points (run_id, lat, lng, recorded_at) VALUES ")
	args := make([]any, 0, 1+3*len(points))
	args = append(args, runID)
	for i, p := range points {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "($1,$%d,$%d,$%d)", len(args)+1, len(args)+2, len(args)+3)
		recordedAt := p.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}
		args = append(args, p.Lat, p.Lng, recordedAt)
	}
	if _, err := s.db.Exec(ctx, sb.String(), args...); err != nil {
		return 0, err
	}

	delta := 0.0
	prevLat, prevLng := lastLat, lastLng
	for _, p := range points {
		if havePrev {
			delta += geo.HaversineM(prevLat, prevLng, p.Lat, p.Lng)
		}
		prevLat, prevLng = p.Lat, p.Lng
		havePrev = true
	}

	var totalDistance float64
	var startedAt time.Time
	row := s.db.QueryRow(ctx, `
		UPDATE runs
		SET total_distance_m = COALESCE(total_distance_m,0) + $2
		WHERE id=$1
		RETURNING total_distance_m, started_at
	`, runID, delta)
	if err := row.Scan(&totalDistance, &startedAt); err != nil {
		return 0, err
	}

	if s.hub != nil {
		duration := time.Since(startedAt).Seconds()
		live := LiveMetrics{
			RunID:     runID,
			DistanceM: totalDistance,
			DurationS: duration,
			PaceMinKm: geo.PaceMinPerKm(totalDistance, duration),
			Calories:  geo.Calories(totalDistance, s.weightKg, s.perKgKm),
		}
		payload, _ := json.Marshal(live)
		s.hub.Broadcast(runID, payload)
	}

	return len(points), nil
}

// FinishRun closes the run and freezes its summary columns. The caller
// may report the active duration (pause time excluded); otherwise the
// wall-clock span is used.
func (s *Service) FinishRun(ctx context.Context, runID string, endedAt time.Time, activeDurationS float64) (Run, error) {
	if endedAt.IsZero() {
		endedAt = time.Now()
	}

	var run Run
	row := s.db.QueryRow(ctx, `
		SELECT id, run_type, started_at, COALESCE(total_distance_m,0)
		FROM runs WHERE id=$1
	`, runID)
	if err := row.Scan(&run.ID, &run.RunType, &run.StartedAt, &run.TotalDistanceM); err != nil {
		return Run{}, err
	}

	duration := activeDurationS
	if duration <= 0 {
		duration = endedAt.Sub(run.StartedAt).Seconds()
	}
	if duration < 0 {
		duration = 0
	}

	run.Status = "finished"
	run.EndedAt = endedAt
	run.DurationS = duration
	run.PaceMinKm = geo.PaceMinPerKm(run.TotalDistanceM, duration)
	run.Calories = geo.Calories(run.TotalDistanceM, s.weightKg, s.perKgKm)

	_, err := s.db.Exec(ctx, `
		UPDATE runs
		SET status='finished', ended_at=$2, duration_s=$3, pace_min_km=$4, calories=$5
		WHERE id=$1
	`, runID, run.EndedAt, run.DurationS, run.PaceMinKm, run.Calories)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *Service) Summary(ctx context.Context, runID string) (Summary, error) {
	var run Run
	row := s.db.QueryRow(ctx, `
		SELECT id, run_type, status, started_at, COALESCE(total_distance_m,0), COALESCE(duration_s,0), COALESCE(pace_min_km,0), COALESCE(calories,0)
		FROM runs WHERE id=$1
	`, runID)
	if err := row.Scan(&run.ID, &run.RunType, &run.Status, &run.StartedAt, &run.TotalDistanceM, &run.DurationS, &run.PaceMinKm, &run.Calories); err != nil {
		return Summary{}, err
	}

	var pointCount int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM run_points WHERE run_id=$1`, runID).Scan(&pointCount); err != nil {
		return Summary{}, err
	}

	duration := run.DurationS
	if duration == 0 && run.Status == "active" {
		duration = time.Since(run.StartedAt).Seconds()
	}
	pace := run.PaceMinKm
	if pace == 0 {
		pace = geo.PaceMinPerKm(run.TotalDistanceM, duration)
	}
	calories := run.Calories
	if calories == 0 {
		calories = geo.Calories(run.TotalDistanceM, s.weightKg, s.perKgKm)
	}

	return Summary{
		RunID:             run.ID,
		RunType:           run.RunType,
		Status:            run.Status,
		PointCount:        pointCount,
		DistanceM:         run.TotalDistanceM,
		DistanceKm:        run.TotalDistanceM / 1000,
		DurationS:         duration,
		DurationFormatted: formatDuration(duration),
		PaceMinKm:         pace,
		SpeedKmh:          geo.SpeedKmPerHour(run.TotalDistanceM, duration),
		Calories:          calories,
	}, nil
}

func (s *Service) Points(ctx context.Context, runID string) ([]Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, lat, lng, recorded_at, created_at
		FROM run_points WHERE run_id=$1
		ORDER BY recorded_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.RunID, &p.Lat, &p.Lng, &p.RecordedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}
