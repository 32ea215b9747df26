package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-remoting/server"
)

// BrokerChecker reports whether the broker accepts connections
type BrokerChecker struct {
	broker *server.Broker
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(broker *server.Broker) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	svc := c.broker.RemotingService()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"connections":    svc.ConnectionCount(),
			"interceptors":   len(svc.Interceptors()),
			"pendingPackets": svc.PendingPackets(),
		},
	}

	if c.broker.IsRunning() {
		result.Status = StatusHealthy
		result.Message = "broker is accepting connections"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "broker is stopped"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker reports on one queue of the broker. A queue without consumer or with a
// backlog above the threshold is degraded.
type QueueChecker struct {
	postOffice *server.PostOffice
	queue      string
	maxBacklog int
}

// NewQueueChecker creates a new queue health checker. A maxBacklog of zero or less
// disables the backlog check.
func NewQueueChecker(postOffice *server.PostOffice, queue string, maxBacklog int) *QueueChecker {
	return &QueueChecker{postOffice: postOffice, queue: queue, maxBacklog: maxBacklog}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	q, ok := c.postOffice.Queue(c.queue)
	if !ok {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("queue %s does not exist", c.queue)
		result.Duration = time.Since(start)
		return result
	}

	backlog := q.MessageCount()
	result.Details["address"] = q.Address()
	result.Details["message_count"] = backlog
	result.Details["has_consumer"] = q.HasConsumer()

	switch {
	case c.maxBacklog > 0 && backlog > c.maxBacklog:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has %d pending messages", c.queue, backlog)
	case !q.HasConsumer():
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has no consumer", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("queue %s is being consumed", c.queue)
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine counts. Every connection owns a
// processing goroutine, so a leak of connections shows up here.
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker degraded above warning and unhealthy above
// critical goroutines
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"goroutines":    goroutines,
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
