package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proctord/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	c := NewChecker(clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	c.Register("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.Register("sessions", false, func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.Register("store", true, ErrorCheck(func(context.Context) error { return errors.New("disk I/O error") }))
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	assert.Equal(t, "disk I/O error", res["store"].Error)
}

func TestCheckRecoversPanic(t *testing.T) {
	c := NewChecker(nil)
	c.Register("boom", true, func(context.Context) CheckResult { panic("nil store") })
	res := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res["boom"].Status)
	assert.Equal(t, "nil store", res["boom"].Error)
}

func TestCapacityCheck(t *testing.T) {
	tests := []struct {
		used int
		want Status
	}{
		{0, StatusHealthy},
		{7, StatusHealthy},
		{8, StatusDegraded},
		{10, StatusUnhealthy},
	}
	for _, tt := range tests {
		got := CapacityCheck(func() int { return tt.used }, 10, 0.8)(context.Background())
		assert.Equal(t, tt.want, got.Status, "used=%d", tt.used)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(nil)
	c.Register("store", true, healthy)

	get := func(url string) (*httptest.ResponseRecorder, Response) {
		rec := httptest.NewRecorder()
		c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		var resp Response
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return rec, resp
	}

	rec, _ := get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec, resp := get("/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, resp.Components)

	_, resp = get("/readyz?full=true")
	assert.Contains(t, resp.Components, "store")
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker(nil).LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "alive")
}
