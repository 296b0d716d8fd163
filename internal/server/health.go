package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

var startTime = time.Now()

// Health reports overall service health.
func (s *Server) Health(c echo.Context) error {
	health := s.registry.HealthCheck()
	status := "ok"
	code := http.StatusOK
	if !health.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":         status,
		"app":            s.cfg.AppName,
		"environment":    s.cfg.Environment,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"factories":      health.FactoryCount,
	})
}

// Ready reports whether the service can take traffic. The external FHIR
// server being down does not make us unready; validation degrades to local.
func (s *Server) Ready(c echo.Context) error {
	health := s.registry.HealthCheck()
	if !health.Healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"reason": "factory registry unhealthy",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"ready":               true,
		"fhir_server_healthy": s.failover.MeetsAvailabilityTarget(),
	})
}

// Live is the liveness probe.
func (s *Server) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
}
