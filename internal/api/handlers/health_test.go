package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// stubChecker — подменная проверка готовности.
type stubChecker struct {
	status  string
	message string
}

func (c *stubChecker) CheckReady() (string, string) {
	return c.status, c.message
}

// TestHealthLive проверяет liveness probe.
func TestHealthLive(t *testing.T) {
	h := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	h.HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("код = %d, ожидался 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("некорректный JSON: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, ожидался ok", resp["status"])
	}
	if resp["service"] != "automation-module" {
		t.Errorf("service = %v", resp["service"])
	}
}

// TestHealthReady_OK проверяет readiness при доступном PostgreSQL.
func TestHealthReady_OK(t *testing.T) {
	h := NewHealthHandler(&stubChecker{status: "ok", message: "подключение активно"})

	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("код = %d, ожидался 200", rec.Code)
	}
}

// TestHealthReady_Fail проверяет readiness при недоступном PostgreSQL.
func TestHealthReady_Fail(t *testing.T) {
	h := NewHealthHandler(&stubChecker{status: "fail", message: "нет подключения"})

	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("код = %d, ожидался 503", rec.Code)
	}
}

// TestHealthReady_NoChecker проверяет readiness без настроенной проверки.
func TestHealthReady_NoChecker(t *testing.T) {
	h := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("код = %d, ожидался 503", rec.Code)
	}
}
