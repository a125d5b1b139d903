package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"iotdc/internal/message"
	"iotdc/internal/scheduler"
)

// ErrTestRunning rejects a start request while a connectivity test is
// already in progress.
var ErrTestRunning = errors.New("dispatch: connectivity test already running")

// ConnectivityTest emits synthetic low-priority DATA messages at a fixed
// rate, size and count so operators can verify the delivery path end to
// end without touching application traffic.
type ConnectivityTest struct {
	dispatcher *Dispatcher
	monitor    *scheduler.Monitor

	mu       sync.Mutex
	active   bool
	interval time.Duration
	size     int
	count    int
	sent     int
	started  time.Time
	lastSent time.Time
}

func NewConnectivityTest(d *Dispatcher, registry *scheduler.Registry) *ConnectivityTest {
	ct := &ConnectivityTest{dispatcher: d}
	ct.monitor = registry.NewMonitor(ct.tick)
	return ct
}

// Start begins emitting count messages of size padding bytes every
// interval. A second start while one is running fails.
func (ct *ConnectivityTest) Start(interval time.Duration, size, count int) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.active {
		return ErrTestRunning
	}
	if interval <= 0 || size < 0 || count <= 0 {
		return errors.New("dispatch: bad connectivity test parameters")
	}
	ct.active = true
	ct.interval = interval
	ct.size = size
	ct.count = count
	ct.sent = 0
	ct.started = time.Now()
	ct.lastSent = time.Time{}
	ct.monitor.Start()
	return nil
}

func (ct *ConnectivityTest) Stop() {
	ct.mu.Lock()
	ct.active = false
	ct.mu.Unlock()
	ct.monitor.Stop()
}

// Status reports the test parameters and progress.
func (ct *ConnectivityTest) Status() map[string]any {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return map[string]any{
		"active":   ct.active,
		"interval": ct.interval.Milliseconds(),
		"size":     ct.size,
		"count":    ct.count,
		"sent":     ct.sent,
	}
}

func (ct *ConnectivityTest) tick() {
	ct.mu.Lock()
	if !ct.active || (!ct.lastSent.IsZero() && time.Since(ct.lastSent) < ct.interval) {
		ct.mu.Unlock()
		return
	}
	ct.sent++
	n := ct.sent
	size := ct.size
	finished := ct.sent >= ct.count
	if finished {
		ct.active = false
	}
	ct.lastSent = time.Now()
	ct.mu.Unlock()

	m := message.NewBuilder().
		Source(ct.dispatcher.endpoint.ID()).
		Priority(message.PriorityLowest).
		Type(message.TypeData).
		Format(TestMessageFormatURN).
		DataItem("count", n).
		DataItem("payload", strings.Repeat("*", size)).
		Build()
	if err := ct.dispatcher.Queue(m); err != nil {
		ct.dispatcher.logger.Warn("connectivity test message not queued", "error", err)
	}
	if finished {
		ct.monitor.Stop()
	}
}

// handler is the testConnectivity capability endpoint: GET reports status,
// PUT with active=true starts a test and active=false stops it.
func (ct *ConnectivityTest) handler(req message.Message) message.Message {
	switch strings.ToUpper(message.RequestMethod(req)) {
	case "GET":
		return jsonResponse(req, http.StatusOK, ct.Status())
	case "PUT":
		var body struct {
			Active   bool  `json:"active"`
			Interval int64 `json:"interval"`
			Size     int   `json:"size"`
			Count    int   `json:"count"`
		}
		if err := json.Unmarshal(message.RequestBody(req), &body); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		if !body.Active {
			ct.Stop()
			return message.BuildResponse(req, http.StatusOK, nil, nil)
		}
		err := ct.Start(time.Duration(body.Interval)*time.Millisecond, body.Size, body.Count)
		if errors.Is(err, ErrTestRunning) {
			return message.BuildResponse(req, http.StatusConflict, nil, []byte(err.Error()))
		}
		if err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	default:
		return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
	}
}
