package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/mmate-remoting/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("Empty registry is healthy", func(t *testing.T) {
		report := NewRegistry().Check(ctx)

		assert.Equal(t, StatusHealthy, report.Status)
		assert.Empty(t, report.Checks)
	})

	t.Run("Worst status wins", func(t *testing.T) {
		r := NewRegistry(staticChecker("a", StatusHealthy), staticChecker("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(ctx).Status)

		r.Register(staticChecker("c", StatusUnhealthy))
		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "c", report.Checks["c"].Name)
		assert.Equal(t, []string{"a", "b", "c"}, r.Names())

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(ctx).Status)
	})

	t.Run("Slow checks time out", func(t *testing.T) {
		r := NewRegistry(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		}))
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		report := r.Check(cctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})
}

func TestBrokerCheckers(t *testing.T) {
	ctx := context.Background()
	broker := server.NewBroker()

	assert.Equal(t, StatusUnhealthy, NewBrokerChecker(broker).Check(ctx).Status)

	require.NoError(t, broker.Start(ctx))
	defer broker.Stop()

	result := NewBrokerChecker(broker).Check(ctx)
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 0, result.Details["connections"])
	assert.Equal(t, 0, result.Details["pendingPackets"])

	t.Run("Queue checker", func(t *testing.T) {
		checker := NewQueueChecker(broker.PostOffice(), "orders", 1)
		assert.Equal(t, "queue_orders", checker.Name())
		assert.Equal(t, StatusUnhealthy, checker.Check(ctx).Status)

		_, err := broker.PostOffice().Bind("orders", "orders")
		require.NoError(t, err)
		assert.Equal(t, StatusDegraded, checker.Check(ctx).Status, "no consumer")
	})

	t.Run("Goroutine checker", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewGoroutineChecker(100000, 200000).Check(ctx).Status)
		assert.Equal(t, StatusUnhealthy, NewGoroutineChecker(0, 0).Check(ctx).Status)
	})
}

func TestHandler(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		h := NewHandler(NewRegistry(staticChecker("a", StatusHealthy)), time.Second)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var report Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("Unhealthy", func(t *testing.T) {
		h := NewHandler(NewRegistry(staticChecker("a", StatusUnhealthy)), time.Second)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("Only GET", func(t *testing.T) {
		h := NewHandler(NewRegistry(), time.Second)
		rec := httptest.NewRecorder()

		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}
