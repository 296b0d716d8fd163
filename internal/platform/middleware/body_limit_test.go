package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

const sizeLimit = 1048576

func readAllHandler(c echo.Context) error {
	if _, err := io.ReadAll(c.Request().Body); err != nil {
		return err
	}
	return c.String(http.StatusOK, "ok")
}

func postBody(e *echo.Echo, handler echo.HandlerFunc, size int) *httptest.ResponseRecorder {
	body := strings.Repeat("a", size)
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(body))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestBodyLimitBoundary(t *testing.T) {
	e := echo.New()
	handler := BodyLimit(sizeLimit)(readAllHandler)

	if rec := postBody(e, handler, sizeLimit); rec.Code != http.StatusOK {
		t.Errorf("exactly %d bytes: status %d, want 200", sizeLimit, rec.Code)
	}
	if rec := postBody(e, handler, sizeLimit+1); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("%d bytes: status %d, want 413", sizeLimit+1, rec.Code)
	}
}

func TestBodyLimitContentLengthShortCircuit(t *testing.T) {
	e := echo.New()
	handlerCalled := false
	handler := BodyLimit(100)(func(c echo.Context) error {
		handlerCalled = true
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(strings.Repeat("a", 200)))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}

	if handlerCalled {
		t.Error("handler ran despite oversize Content-Length")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}

	var outcome map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %v, want OperationOutcome", outcome)
	}
}

func TestBodyLimitEnforcedWithoutContentLength(t *testing.T) {
	e := echo.New()
	handler := BodyLimit(100)(readAllHandler)

	// Chunked-style request: no Content-Length, body larger than the cap.
	req := httptest.NewRequest(http.MethodPost, "/convert", strings.NewReader(strings.Repeat("a", 200)))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestBodyLimitAllowsEmptyBody(t *testing.T) {
	e := echo.New()
	handler := BodyLimit(100)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
