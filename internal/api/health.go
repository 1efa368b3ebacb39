package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/pulsechat/pulsechat-server/internal/httputil"
)

// HealthHandler serves the health check and metrics endpoints.
type HealthHandler struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(db *pgxpool.Pool, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{DB: db, Redis: redisClient}
}

// Health handles GET /api/v1/health, pinging Postgres and Redis and returning component status.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	redisStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"redis":    redisStatus,
	})
}

// Metrics handles GET /api/v1/metrics, exposing Prometheus-formatted process and application metrics.
func (h *HealthHandler) Metrics(c fiber.Ctx) error {
	return adaptor.HTTPHandler(promhttp.Handler())(c)
}
