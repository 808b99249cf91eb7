package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// Pinger is satisfied by *pgxpool.Pool and scoring.HTTPPredictor.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is an extra check reported by HealthHandler. A failing optional
// dependency marks the service degraded but keeps it in rotation; the model
// service is optional because suggestions fall back to rules.
type Dependency struct {
	Name     string
	Pinger   Pinger
	Optional bool
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the database and every dependency. It answers 503 only
// when the database or a required dependency is down.
func HealthHandler(database Pinger, deps ...Dependency) echo.HandlerFunc {
	all := append([]Dependency{{Name: "database", Pinger: database}}, deps...)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, code := "healthy", http.StatusOK
		checks := make(map[string]string, len(all))
		for _, d := range all {
			if err := d.Pinger.Ping(ctx); err != nil {
				checks[d.Name] = err.Error()
				if !d.Optional {
					status, code = "unhealthy", http.StatusServiceUnavailable
				} else if code == http.StatusOK {
					status = "degraded"
				}
				continue
			}
			checks[d.Name] = "ok"
		}

		body := map[string]interface{}{"status": status, "checks": checks}
		if pool, ok := database.(*pgxpool.Pool); ok {
			body["pool"] = GetPoolStats(pool)
		}
		return c.JSON(code, body)
	}
}
