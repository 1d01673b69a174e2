package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// DependencyCheck checks a collaborator other than the database, such as
// the remote FHIR server.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RunChecks runs every check and returns the failures keyed by name.
func RunChecks(ctx context.Context, checks []DependencyCheck) map[string]string {
	failures := make(map[string]string)
	for _, dc := range checks {
		if err := dc.Check(ctx); err != nil {
			failures[dc.Name] = err.Error()
		}
	}
	return failures
}

// HealthHandler reports database reachability, pool statistics and the
// result of any extra dependency checks.
func HealthHandler(pool *pgxpool.Pool, checks ...DependencyCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		failures := RunChecks(ctx, checks)

		body := map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		}
		if len(failures) > 0 {
			body["dependencies"] = failures
		}

		if err != nil {
			stats.Healthy = false
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		if len(failures) > 0 {
			body["status"] = "degraded"
		}
		return c.JSON(http.StatusOK, body)
	}
}
