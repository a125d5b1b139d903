package dispatch

import (
	"sync"
	"time"

	"iotdc/internal/observability/metrics"
)

// Counters tracks delivery statistics for one endpoint, mirrored into the
// Prometheus counters. The snapshot feeds the diagnostics capability.
type Counters struct {
	endpoint string

	mu                    sync.Mutex
	totalMessagesSent     int64
	totalMessagesReceived int64
	totalMessagesRetried  int64
	totalBytesSent        int64
	totalBytesReceived    int64
	totalProtocolErrors   int64
	loadTime              time.Time
}

func NewCounters(endpoint string) *Counters {
	return &Counters{endpoint: endpoint, loadTime: time.Now()}
}

func (c *Counters) MessagesSent(n, bytes int) {
	c.mu.Lock()
	c.totalMessagesSent += int64(n)
	c.totalBytesSent += int64(bytes)
	c.mu.Unlock()
	metrics.MessagesSentTotal.WithLabelValues(c.endpoint).Add(float64(n))
	metrics.BytesSentTotal.WithLabelValues(c.endpoint).Add(float64(bytes))
}

func (c *Counters) MessagesReceived(n, bytes int) {
	c.mu.Lock()
	c.totalMessagesReceived += int64(n)
	c.totalBytesReceived += int64(bytes)
	c.mu.Unlock()
	metrics.MessagesReceivedTotal.WithLabelValues(c.endpoint).Add(float64(n))
	metrics.BytesReceivedTotal.WithLabelValues(c.endpoint).Add(float64(bytes))
}

func (c *Counters) MessagesRetried(n int) {
	c.mu.Lock()
	c.totalMessagesRetried += int64(n)
	c.mu.Unlock()
	metrics.MessagesRetriedTotal.WithLabelValues(c.endpoint).Add(float64(n))
}

func (c *Counters) ProtocolError() {
	c.mu.Lock()
	c.totalProtocolErrors++
	c.mu.Unlock()
	metrics.ProtocolErrorsTotal.WithLabelValues(c.endpoint).Inc()
}

// Snapshot renders the counters in the shape the diagnostics capability
// reports.
func (c *Counters) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"totalMessagesSent":     c.totalMessagesSent,
		"totalMessagesReceived": c.totalMessagesReceived,
		"totalMessagesRetried":  c.totalMessagesRetried,
		"totalBytesSent":        c.totalBytesSent,
		"totalBytesReceived":    c.totalBytesReceived,
		"totalProtocolErrors":   c.totalProtocolErrors,
		"loadTime":              c.loadTime.UnixMilli(),
	}
}

// Reset zeroes the snapshot counters. The Prometheus series keep counting;
// resets are a protocol feature, not an observability one.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalMessagesSent = 0
	c.totalMessagesReceived = 0
	c.totalMessagesRetried = 0
	c.totalBytesSent = 0
	c.totalBytesReceived = 0
	c.totalProtocolErrors = 0
}
