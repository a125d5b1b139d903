package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"iotdc/internal/message"
	"iotdc/internal/scheduler"
	"iotdc/internal/transport"
)

// Endpoint is what the dispatcher needs from the auth session: the message
// source identity and the server clock correction applied at send time.
type Endpoint interface {
	ID() string
	IsActivated() bool
	ServerDelta() time.Duration
}

// Options sizes the dispatcher. Zero values fall back to the historical
// defaults.
type Options struct {
	BufferSize               int
	MaxQueueSize             int
	MaxMessagesPerConnection int
	LongPolling              bool
	LongPollTimeout          time.Duration
	LongPollTimeoutOffset    time.Duration
}

func (o *Options) fill() {
	if o.BufferSize <= 0 {
		o.BufferSize = 4192
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 10000
	}
	if o.MaxMessagesPerConnection <= 0 {
		o.MaxMessagesPerConnection = 100
	}
	if o.LongPollTimeout <= 0 {
		o.LongPollTimeout = 3 * time.Second
	}
	if o.LongPollTimeoutOffset <= 0 {
		o.LongPollTimeoutOffset = 100 * time.Millisecond
	}
}

// Dispatcher drains the priority queue into batched exchanges with the
// cloud and routes what comes back. All outbound traffic of a device goes
// through one dispatcher, which serializes its exchanges: at any moment at
// most one send or one long poll is outstanding.
type Dispatcher struct {
	opts     Options
	adapter  transport.Adapter
	endpoint Endpoint
	requests *RequestDispatcher
	counters *Counters
	logger   *slog.Logger
	monitor  *scheduler.Monitor

	onDelivery func([]message.Message)
	onError    func([]message.Message, error)

	mu          sync.Mutex
	queue       *message.Queue
	receive     []message.Message
	inFlight    bool
	longPollOut bool
	pollPeriod  time.Duration
	pollFloor   time.Duration
}

func NewDispatcher(adapter transport.Adapter, endpoint Endpoint, registry *scheduler.Registry, requests *RequestDispatcher, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opts.fill()
	d := &Dispatcher{
		opts:       opts,
		adapter:    adapter,
		endpoint:   endpoint,
		requests:   requests,
		counters:   NewCounters(endpoint.ID()),
		logger:     logger,
		queue:      message.NewQueue(opts.MaxQueueSize),
		pollPeriod: registry.Interval(),
		pollFloor:  registry.Interval(),
	}
	d.monitor = registry.NewMonitor(d.tick)
	return d
}

// OnDelivery registers the hook invoked with each successfully sent batch.
func (d *Dispatcher) OnDelivery(fn func([]message.Message)) { d.onDelivery = fn }

// OnError registers the hook invoked when an exchange fails for good.
func (d *Dispatcher) OnError(fn func([]message.Message, error)) { d.onError = fn }

func (d *Dispatcher) Counters() *Counters { return d.counters }

func (d *Dispatcher) RequestDispatcher() *RequestDispatcher { return d.requests }

// Start puts the dispatcher on the shared clock.
func (d *Dispatcher) Start() { d.monitor.Start() }

// Stop takes it off; queued messages stay queued.
func (d *Dispatcher) Stop() { d.monitor.Stop() }

// Queue accepts one outbound message. Overflow is a hard error: the
// message is not dropped silently and the error hook fires.
func (d *Dispatcher) Queue(m message.Message) error {
	d.mu.Lock()
	err := d.queue.Push(m)
	d.mu.Unlock()
	if err != nil {
		d.logger.Error("outbound queue full", "clientId", m.ClientID)
		if d.onError != nil {
			d.onError([]message.Message{m}, err)
		}
		return err
	}
	return nil
}

// QueueLen reports the number of messages awaiting delivery.
func (d *Dispatcher) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Receive pops the oldest inbound non-request message, if any.
func (d *Dispatcher) Receive() (message.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.receive) == 0 {
		return message.Message{}, false
	}
	m := d.receive[0]
	d.receive = d.receive[1:]
	return m, true
}

// PollingInterval is the value the capability endpoint reports.
func (d *Dispatcher) PollingInterval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pollPeriod
}

// SetPollingInterval adjusts the reported interval; the shared clock's
// period is the floor.
func (d *Dispatcher) SetPollingInterval(v time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v < d.pollFloor {
		return fmt.Errorf("dispatch: polling interval below %v", d.pollFloor)
	}
	d.pollPeriod = v
	return nil
}

// tick is one cycle of the shared clock: drain the queue in priority
// order, then, if nothing was pending, keep one long poll outstanding.
func (d *Dispatcher) tick() {
	d.mu.Lock()
	if d.inFlight || d.longPollOut {
		d.mu.Unlock()
		return
	}
	d.inFlight = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inFlight = false
		d.mu.Unlock()
	}()

	sent := false
	for {
		batch := d.drainBatch()
		if len(batch) == 0 {
			break
		}
		sent = true
		if err := d.send(batch, false); err != nil {
			return
		}
	}
	if !sent && d.opts.LongPolling && d.endpoint.IsActivated() {
		d.mu.Lock()
		d.longPollOut = true
		d.mu.Unlock()
		go func() {
			defer func() {
				d.mu.Lock()
				d.longPollOut = false
				d.mu.Unlock()
			}()
			_ = d.send(nil, true)
		}()
	}
}

func (d *Dispatcher) drainBatch() []message.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var batch []message.Message
	for len(batch) < d.opts.MaxMessagesPerConnection {
		m, ok := d.queue.Pop()
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	return batch
}

// acceptBytes is the remaining local receive budget advertised with each
// exchange. It is seeded from the serialized size of the local receive
// queue, matching the historical flow-control behavior.
func (d *Dispatcher) acceptBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	queued, err := json.Marshal(d.receive)
	if err != nil {
		return d.opts.BufferSize
	}
	n := d.opts.BufferSize - len(queued)
	if n < 0 {
		n = 0
	}
	return n
}

func (d *Dispatcher) send(batch []message.Message, longPoll bool) error {
	path := fmt.Sprintf("messages?acceptBytes=%d", d.acceptBytes())
	opts := transport.RequestOptions{Method: "POST", Path: path}
	if longPoll {
		timeout := d.PollingInterval()
		if d.opts.LongPollTimeout > timeout {
			timeout = d.opts.LongPollTimeout
		}
		opts.Path = fmt.Sprintf("%s&iot.sync&iot.timeout=%d", path, timeout.Milliseconds())
		opts.Timeout = timeout + d.opts.LongPollTimeoutOffset
	}

	payload := []byte("[]")
	if len(batch) > 0 {
		adjusted := make([]message.Message, len(batch))
		delta := d.endpoint.ServerDelta().Milliseconds()
		for i, m := range batch {
			m.EventTime += delta
			adjusted[i] = m
		}
		var err error
		if payload, err = json.Marshal(adjusted); err != nil {
			return fmt.Errorf("dispatch: encode batch: %w", err)
		}
	}

	body, err := d.adapter.Request(context.Background(), opts, payload)
	if err != nil {
		d.counters.ProtocolError()
		d.requeue(batch)
		if d.onError != nil && len(batch) > 0 {
			d.onError(batch, err)
		}
		if !longPoll || transport.StatusCode(err) != 0 {
			d.logger.Warn("exchange failed", "messages", len(batch), "error", err)
		}
		return err
	}
	if len(batch) > 0 {
		d.counters.MessagesSent(len(batch), len(payload))
		if d.onDelivery != nil {
			d.onDelivery(batch)
		}
	}
	d.handleResponse(body)
	return nil
}

// requeue puts a failed batch back so messages survive transient errors
// until delivered or the process exits.
func (d *Dispatcher) requeue(batch []message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range batch {
		if err := d.queue.Push(m); err != nil {
			d.logger.Error("dropping message, queue full on requeue", "clientId", m.ClientID)
			continue
		}
	}
	if len(batch) > 0 {
		d.counters.MessagesRetried(len(batch))
	}
}

func (d *Dispatcher) handleResponse(body []byte) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return
	}
	var inbound []message.Message
	if err := json.Unmarshal(body, &inbound); err != nil {
		// Not an array: both transports normalize buffer pressure into
		// the negotiation object.
		var pressure map[string]int
		if json.Unmarshal(body, &pressure) == nil {
			if min, ok := pressure[transport.MinAcceptBytesKey]; ok {
				if min > d.opts.BufferSize {
					d.logger.Error("server minimum acceptBytes exceeds local buffer",
						"min", min, "buffer", d.opts.BufferSize)
				} else {
					d.logger.Warn("server requested larger receive budget", "min", min)
				}
				return
			}
		}
		d.logger.Warn("unparseable exchange response", "body", string(body))
		return
	}
	for _, m := range inbound {
		d.counters.MessagesReceived(1, message.EncodedLen(m))
		if m.Type == message.TypeRequest {
			resp := d.requests.Dispatch(m)
			if err := d.Queue(resp); err != nil {
				d.logger.Error("response lost, queue full", "requestId", m.ClientID)
			}
			continue
		}
		d.mu.Lock()
		d.receive = append(d.receive, m)
		d.mu.Unlock()
	}
}
