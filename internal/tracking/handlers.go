package tracking

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

type createRunRequest struct {
	RunType     string `json:"run_type"`
	StartedAtMs int64  `json:"started_at_ms"`
}

type pointPayload struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RecordedAtMs int64   `json:"recorded_at_ms"`
}

type appendPointsRequest struct {
	Points []pointPayload `json:"points"`
}

type appendPointsResponse struct {
	Accepted int `json:"accepted"`
}

type finishRunRequest struct {
	EndedAtMs       int64   `json:"ended_at_ms"`
	ActiveDurationS float64 `json:"active_duration_s"`
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/", authMiddleware, func(c *fiber.Ctx) error {
		var req createRunRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		run, err := svc.CreateRun(c.Context(), req.RunType, msToTime(req.StartedAtMs))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(run)
	})

	r.Post("/:id/points", authMiddleware, func(c *fiber.Ctx) error {
		var req appendPointsRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if len(req.Points) == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "points required")
		}
		points := make([]Point, len(req.Points))
		for i, p := range req.Points {
			points[i] = Point{Lat: p.Lat, Lng: p.Lng, RecordedAt: msToTime(p.RecordedAtMs)}
		}
		accepted, err := svc.AppendPoints(c.Context(), c.Params("id"), points)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.Status(fiber.StatusCreated).JSON(appendPointsResponse{Accepted: accepted})
	})

	r.Post("/:id/finish", authMiddleware, func(c *fiber.Ctx) error {
		var req finishRunRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		run, err := svc.FinishRun(c.Context(), c.Params("id"), msToTime(req.EndedAtMs), req.ActiveDurationS)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(run)
	})

	r.Get("/:id/summary", func(c *fiber.Ctx) error {
		summary, err := svc.Summary(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(summary)
	})

	r.Get("/:id/points", func(c *fiber.Ctx) error {
		points, err := svc.Points(c.Context(), c.Params("id"))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(points)
	})
}
