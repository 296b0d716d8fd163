package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func hostRequest(t *testing.T, handler echo.HandlerFunc, host string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = host
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestAllowedHosts(t *testing.T) {
	handler := AllowedHosts([]string{"api.example.org", "localhost"})(okHandler)

	if rec := hostRequest(t, handler, "api.example.org"); rec.Code != http.StatusOK {
		t.Errorf("allowed host rejected: %d", rec.Code)
	}
	if rec := hostRequest(t, handler, "localhost:8000"); rec.Code != http.StatusOK {
		t.Errorf("allowed host with port rejected: %d", rec.Code)
	}
	if rec := hostRequest(t, handler, "API.Example.Org"); rec.Code != http.StatusOK {
		t.Errorf("host matching is case-sensitive: %d", rec.Code)
	}

	rec := hostRequest(t, handler, "evil.example.com")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown host admitted: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("rejection body = %s", rec.Body.String())
	}
}

func TestAllowedHostsWildcard(t *testing.T) {
	wildcard := AllowedHosts([]string{"*"})(okHandler)
	if rec := hostRequest(t, wildcard, "anything.example.com"); rec.Code != http.StatusOK {
		t.Errorf("wildcard rejected a host: %d", rec.Code)
	}

	empty := AllowedHosts(nil)(okHandler)
	if rec := hostRequest(t, empty, "anything.example.com"); rec.Code != http.StatusOK {
		t.Errorf("empty list rejected a host: %d", rec.Code)
	}
}
