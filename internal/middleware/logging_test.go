package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequestLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func logRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return rec
}

func TestRequestLogger_Fields(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		upgrade   bool
		wantMsg   string
		wantLevel string
	}{
		{"ok", http.StatusOK, false, "request", "INFO"},
		{"bad gateway", http.StatusBadGateway, false, "request", "WARN"},
		{"tunnel", 0, true, "tunnel", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := echo.New()
			e.Use(RequestLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
			e.GET("/x", func(c echo.Context) error {
				if tt.upgrade {
					return nil
				}
				return c.NoContent(tt.status)
			})

			req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
			if tt.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			e.ServeHTTP(httptest.NewRecorder(), req)

			rec := logRecord(t, &buf)
			if rec["msg"] != tt.wantMsg {
				t.Errorf("msg = %v, want %q", rec["msg"], tt.wantMsg)
			}
			if rec["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %q", rec["level"], tt.wantLevel)
			}
			if rec["path"] != "/x" {
				t.Errorf("path = %v, want %q", rec["path"], "/x")
			}
			_, hasStatus := rec["status"]
			if hasStatus == tt.upgrade {
				t.Errorf("status field present = %v, want %v", hasStatus, !tt.upgrade)
			}
		})
	}
}

func TestRequestLogger_RequestIDFromClient(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(RequestLogger(slog.New(slog.NewJSONHandler(&buf, nil))))
	e.GET("/x", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header.Set(echo.HeaderXRequestID, "client-id")
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := logRecord(t, &buf)["request_id"]; got != "client-id" {
		t.Errorf("request_id = %v, want %q", got, "client-id")
	}
}
