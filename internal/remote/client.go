package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ShaelynLi/fitquest-sub000/internal/location"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrUnavailable wraps every transport or non-2xx failure so callers can
// treat "remote is down" uniformly with errors.Is.
var ErrUnavailable = errors.New("run service unavailable")

// Client talks to the run-tracking API. It implements the engine's
// session store: create a run, append point batches, finish the run.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "remote").Logger(),
	}
}

type createRunRequest struct {
	RunType     string `json:"run_type"`
	StartedAtMs int64  `json:"started_at_ms"`
}

type createRunResponse struct {
	ID string `json:"id"`
}

type pointPayload struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RecordedAtMs int64   `json:"recorded_at_ms"`
}

type appendPointsRequest struct {
	Points []pointPayload `json:"points"`
}

type finishRunRequest struct {
	EndedAtMs       int64   `json:"ended_at_ms"`
	ActiveDurationS float64 `json:"active_duration_s"`
}

func (c *Client) CreateSession(ctx context.Context, runType string, startedAt time.Time) (string, error) {
	var out createRunResponse
	err := c.post(ctx, "/runs/", createRunRequest{
		RunType:     runType,
		StartedAtMs: startedAt.UnixMilli(),
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.Wrap(ErrUnavailable, "create run returned no id")
	}
	c.log.Info().Str("run", out.ID).Msg("remote run created")
	return out.ID, nil
}

func (c *Client) AppendPoints(ctx context.Context, sessionID string, points []location.Sample) error {
	if len(points) == 0 {
		return nil
	}
	req := appendPointsRequest{Points: make([]pointPayload, len(points))}
	for i, p := range points {
		req.Points[i] = pointPayload{Lat: p.Lat, Lng: p.Lng, RecordedAtMs: p.RecordedAt.UnixMilli()}
	}
	return c.post(ctx, "/runs/"+sessionID+"/points", req, nil)
}

func (c *Client) FinishSession(ctx context.Context, sessionID string, endedAt time.Time, activeDurationS float64) error {
	return c.post(ctx, "/runs/"+sessionID+"/finish", finishRunRequest{
		EndedAtMs:       endedAt.UnixMilli(),
		ActiveDurationS: activeDurationS,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "%s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.Wrap(ErrUnavailable, fmt.Sprintf("%s: status %d: %s", path, resp.StatusCode, snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
