package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthzReportsUptimeAndVersion(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := NewHealthHandlers(WithHealthVersion("1.2.3"), WithHealthClock(clock))
	now = now.Add(90 * time.Second)

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" || payload["version"] != "1.2.3" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload["uptime"] != "1m30s" {
		t.Fatalf("unexpected uptime %v", payload["uptime"])
	}
}

func TestReadyzReportsOK(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return nil }),
		WithReadinessCheck("commerce", func(context.Context) error { return nil }),
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Checks["firestore"] != "ok" || payload.Checks["commerce"] != "ok" {
		t.Fatalf("unexpected checks %+v", payload.Checks)
	}
}

func TestReadyzDegradedDependency(t *testing.T) {
	h := NewHealthHandlers(
		WithReadinessCheck("firestore", func(context.Context) error { return errors.New("connection refused") }),
		WithReadinessCheck("commerce", func(context.Context) error { return nil }),
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Status  string            `json:"status"`
		Checks  map[string]string `json:"checks"`
		Details []string          `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Checks["firestore"] != "degraded" || payload.Checks["commerce"] != "ok" {
		t.Fatalf("unexpected checks %+v", payload.Checks)
	}
	if len(payload.Details) != 1 || payload.Details[0] != "firestore: connection refused" {
		t.Fatalf("unexpected details %+v", payload.Details)
	}
}
