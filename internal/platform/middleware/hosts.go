package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AllowedHosts rejects requests whose Host header is not in the allow list.
// An empty list or a "*" entry allows any host; ports are ignored when
// matching.
func AllowedHosts(hosts []string) echo.MiddlewareFunc {
	allowAll := len(hosts) == 0
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if allowAll {
				return next(c)
			}
			host := strings.ToLower(c.Request().Host)
			if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.HasSuffix(host, "]") {
				host = host[:i]
			}
			if allowed[host] {
				return next(c)
			}
			outcome := map[string]interface{}{
				"resourceType": "OperationOutcome",
				"issue": []map[string]interface{}{
					{
						"severity":    "error",
						"code":        "security",
						"diagnostics": "Host header is not allowed",
					},
				},
			}
			return c.JSON(http.StatusBadRequest, outcome)
		}
	}
}
