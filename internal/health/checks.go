package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/thinture/gpstracker/internal/mqtt"
	"github.com/thinture/gpstracker/internal/receive"
)

const (
	minHealthyConnections  = 3
	maxConnectFailureRate  = 0.10
	minConnectSuccessRate  = 0.95
	warnConnectSuccessRate = 0.98
	maxAvgConnectTime      = 5 * time.Second

	maxSilence         = 5 * time.Minute
	maxInvalidRate     = 0.05
	minActiveDevices   = 10
	maxPersistBacklog  = 1000
	maxMemoryRatio     = 0.85
	warnMemoryRatio    = 0.75
	maxGoroutines      = 500
	defaultMemoryLimit = 1 << 30
)

// PoolChecker assesses the publish pool and its connect history.
type PoolChecker struct {
	Pool     func() mqtt.PoolStats
	Connects func() mqtt.ConnectStats
}

func (c *PoolChecker) Name() string { return "connection-pool" }

func (c *PoolChecker) Check(context.Context) CheckResult {
	pool := c.Pool()
	conns := c.Connects()
	res := CheckResult{
		Available: pool.Connected > 0,
		Healthy:   true,
		Metrics: map[string]float64{
			"total":        float64(pool.Total),
			"connected":    float64(pool.Connected),
			"available":    float64(pool.Available),
			"reconnecting": float64(pool.Reconnecting),
		},
	}
	if pool.Connected < minHealthyConnections {
		res.Healthy = false
		res.Issues = append(res.Issues,
			fmt.Sprintf("healthy connections below minimum (%d < %d)", pool.Connected, minHealthyConnections))
	}
	if conns.Attempts > 0 {
		failRate := float64(conns.Failures) / float64(conns.Attempts)
		successRate := 1 - failRate
		res.Metrics["connect_success_rate"] = successRate
		if failRate > maxConnectFailureRate || successRate < minConnectSuccessRate {
			res.Healthy = false
			res.Issues = append(res.Issues,
				fmt.Sprintf("connect success rate too low (%.1f%%)", successRate*100))
		} else if successRate < warnConnectSuccessRate {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("connect success rate degraded (%.1f%%)", successRate*100))
		}
	}
	if conns.AvgDuration > maxAvgConnectTime {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("average connect time high (%s)", conns.AvgDuration))
	}
	return res
}

// ReceiverChecker assesses inbound traffic and the device population.
type ReceiverChecker struct {
	Stats       func() receive.Stats
	LastMessage func() time.Time
	Clock       clockwork.Clock

	startedAt time.Time
}

func (c *ReceiverChecker) Name() string { return "receiver" }

func (c *ReceiverChecker) Check(context.Context) CheckResult {
	if c.startedAt.IsZero() {
		c.startedAt = c.Clock.Now()
	}
	st := c.Stats()
	res := CheckResult{
		Available: true,
		Healthy:   true,
		Metrics: map[string]float64{
			"received":       float64(st.Received),
			"parse_failures": float64(st.ParseFailures),
			"active_devices": float64(st.ActiveDevices),
		},
	}

	last := c.LastMessage()
	if last.IsZero() {
		last = c.startedAt
	}
	if silence := c.Clock.Since(last); silence > maxSilence {
		res.Healthy = false
		res.Issues = append(res.Issues,
			fmt.Sprintf("no message received (%s)", silence.Round(time.Second)))
	}

	if st.Received > 0 {
		invalidRate := float64(st.ParseFailures) / float64(st.Received)
		res.Metrics["invalid_rate"] = invalidRate
		if invalidRate > maxInvalidRate {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("invalid message rate high (%.1f%%)", invalidRate*100))
		}
	}

	switch {
	case st.ActiveDevices == 0:
		res.Healthy = false
		res.Issues = append(res.Issues, "no active devices")
	case st.ActiveDevices < minActiveDevices:
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("few active devices (%d)", st.ActiveDevices))
	}
	return res
}

// PersisterChecker assesses the write backlog.
type PersisterChecker struct {
	Depth func() int
}

func (c *PersisterChecker) Name() string { return "persister" }

func (c *PersisterChecker) Check(context.Context) CheckResult {
	depth := c.Depth()
	res := CheckResult{
		Available: true,
		Healthy:   true,
		Metrics:   map[string]float64{"queue_depth": float64(depth)},
	}
	if depth > maxPersistBacklog {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("persist backlog high (%d)", depth))
	}
	return res
}

// RuntimeChecker assesses process memory and goroutine count.
type RuntimeChecker struct {
	// MemoryLimitBytes is the limit heap usage is judged against.
	MemoryLimitBytes uint64
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	limit := c.MemoryLimitBytes
	if limit == 0 {
		limit = defaultMemoryLimit
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	ratio := float64(ms.HeapAlloc) / float64(limit)
	goroutines := runtime.NumGoroutine()

	res := CheckResult{
		Available: true,
		Healthy:   true,
		Metrics: map[string]float64{
			"heap_alloc_bytes": float64(ms.HeapAlloc),
			"memory_ratio":     ratio,
			"goroutines":       float64(goroutines),
		},
	}
	switch {
	case ratio > maxMemoryRatio:
		res.Healthy = false
		res.Issues = append(res.Issues,
			fmt.Sprintf("memory usage critical (%.0f%%)", ratio*100))
	case ratio > warnMemoryRatio:
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("memory usage elevated (%.0f%%)", ratio*100))
	}
	if goroutines > maxGoroutines {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("goroutine count high (%d)", goroutines))
	}
	return res
}
