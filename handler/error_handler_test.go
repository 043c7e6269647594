package handler_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/splitkit/handler"
	"github.com/dmitrymomot/splitkit/pkg/requestid"
)

var errBusy = errors.New("busy")

func TestNewErrorHandler(t *testing.T) {
	t.Parallel()

	classify := func(err error) handler.ErrorInfo {
		if errors.Is(err, errBusy) {
			return handler.ErrorInfo{StatusCode: http.StatusServiceUnavailable, Code: "busy", Message: "retry later", RetryAfter: "30"}
		}
		return handler.ErrorInfo{StatusCode: http.StatusNotFound, Code: "not_found", Message: "nothing here"}
	}

	run := func(t *testing.T, err error) (*httptest.ResponseRecorder, map[string]any) {
		t.Helper()
		var logs bytes.Buffer
		onError := handler.NewErrorHandler(slog.New(slog.NewJSONHandler(&logs, nil)), handler.ErrorHandlerConfig{
			Classify:  classify,
			Component: "test_http",
		})

		r := httptest.NewRequest(http.MethodGet, "/things", nil)
		r.Header.Set("X-Real-IP", "203.0.113.7")
		r = r.WithContext(requestid.WithContext(r.Context(), "req-1"))
		rec := httptest.NewRecorder()
		onError(handler.NewContext(rec, r), err)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
		return rec, entry
	}

	t.Run("client error", func(t *testing.T) {
		t.Parallel()
		rec, entry := run(t, errors.New("missing"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Empty(t, rec.Header().Get("Retry-After"))
		assert.JSONEq(t, `{"error":{"code":"not_found","message":"nothing here"}}`, rec.Body.String())

		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "req-1", entry["request_id"])
		assert.Equal(t, "203.0.113.7", entry["client_ip"])
		assert.Equal(t, "test_http", entry["component"])
		assert.Equal(t, "/things", entry["path"])
	})

	t.Run("server error with retry hint", func(t *testing.T) {
		t.Parallel()
		rec, entry := run(t, errBusy)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
		assert.Equal(t, "ERROR", entry["level"])
		assert.EqualValues(t, http.StatusServiceUnavailable, entry["status_code"])
	})

	t.Run("default classification", func(t *testing.T) {
		t.Parallel()
		onError := handler.NewErrorHandler(slog.New(slog.DiscardHandler), handler.ErrorHandlerConfig{})
		rec := httptest.NewRecorder()
		onError(handler.NewContext(rec, httptest.NewRequest(http.MethodGet, "/", nil)),
			handler.NewHTTPError(http.StatusConflict, "conflict", ""))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"error":{"code":"conflict","message":"Conflict"}}`, rec.Body.String())
	})
}
