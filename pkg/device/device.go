// Package device is the public client API of the runtime. A
// DirectlyConnectedDevice owns the credential store, the transport, the
// auth session and the message dispatcher; virtual devices created from it
// expose a device model's attributes, actions and alerts as typed handles.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"iotdc/internal/config"
	"iotdc/internal/dispatch"
	"iotdc/internal/message"
	"iotdc/internal/model"
	"iotdc/internal/scheduler"
	"iotdc/internal/session"
	"iotdc/internal/transport"
	"iotdc/internal/trust"
)

// Message is the wire message type, re-exported for callers of the
// low-level Send/Receive API.
type Message = message.Message

// ErrNotActivated is returned by operations that need an activated device.
var ErrNotActivated = session.ErrNotActivated

// ErrAlreadyActivated is returned by a second activation attempt.
var ErrAlreadyActivated = session.ErrAlreadyActivated

// DirectlyConnectedDevice is a device client with its own credentials and
// connection. All collaborators are owned here and dependency-injected
// downward; nothing in the runtime is process-global.
type DirectlyConnectedDevice struct {
	cfg    config.Config
	logger *slog.Logger

	store      *trust.Store
	session    *session.Session
	raw        transport.Adapter
	auth       transport.Adapter
	registry   *scheduler.Registry
	models     *model.Cache
	requests   *dispatch.RequestDispatcher
	dispatcher *dispatch.Dispatcher
	test       *dispatch.ConnectivityTest

	mu      sync.Mutex
	confirm map[string]func(error)
	started bool
	closed  bool
}

// New builds a client from configuration. Configuration problems (missing
// store, wrong password, tampered container) are fatal here, before any
// network traffic.
func New(cfg config.Config, logger *slog.Logger) (*DirectlyConnectedDevice, error) {
	return newDevice(cfg, logger, false)
}

func newDevice(cfg config.Config, logger *slog.Logger, gateway bool) (*DirectlyConnectedDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TrustStorePath == "" || cfg.TrustStorePassword == "" {
		return nil, errors.New("device: trust store path and password are required")
	}
	store, err := trust.Open(cfg.TrustStorePath, cfg.TrustStorePassword)
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}

	sess := session.New(store, logger)
	var raw transport.Adapter
	if strings.Contains(store.ServerScheme(), "mqtt") {
		raw, err = transport.NewMQTT(store.ServerURI(), sess, store.TrustAnchors(), gateway, cfg.HTTPTimeout, logger)
	} else {
		raw, err = transport.NewHTTPS(store.ServerURI(), store.TrustAnchors(), cfg.HTTPTimeout, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	sess.Bind(raw)
	auth := sess.Authenticated()

	registry := scheduler.NewRegistry(cfg.PollingInterval)
	requests := dispatch.NewRequestDispatcher(logger)
	dispatcher := dispatch.NewDispatcher(auth, sess, registry, requests, dispatch.Options{
		BufferSize:               cfg.RequestBufferSize,
		MaxQueueSize:             cfg.MaxQueueSize,
		MaxMessagesPerConnection: cfg.MaxMessagesPerConnection,
		LongPolling:              cfg.LongPollingEnabled,
		LongPollTimeout:          cfg.MessagePollingInterval,
		LongPollTimeoutOffset:    cfg.LongPollTimeoutOffset,
	}, logger)

	d := &DirectlyConnectedDevice{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		session:    sess,
		raw:        raw,
		auth:       auth,
		registry:   registry,
		models:     model.NewCache(auth, cfg.AllowDraftModels, logger),
		requests:   requests,
		dispatcher: dispatcher,
		confirm:    map[string]func(error){},
	}
	d.test = dispatch.NewConnectivityTest(dispatcher, registry)
	dispatcher.OnDelivery(func(batch []Message) { d.settle(batch, nil) })
	dispatcher.OnError(func(batch []Message, err error) { d.settle(batch, err) })
	if store.IsActivated() {
		d.startDispatch()
	}
	return d, nil
}

func (d *DirectlyConnectedDevice) IsActivated() bool  { return d.store.IsActivated() }
func (d *DirectlyConnectedDevice) EndpointID() string { return d.store.EndpointID() }
func (d *DirectlyConnectedDevice) ClientID() string   { return d.store.ClientID() }

// Activate runs the one-time enrollment for the given model URNs. A second
// call fails with ErrAlreadyActivated before any network request.
func (d *DirectlyConnectedDevice) Activate(ctx context.Context, modelURNs ...string) error {
	if err := d.session.Activate(ctx, modelURNs); err != nil {
		return err
	}
	d.startDispatch()
	return nil
}

func (d *DirectlyConnectedDevice) startDispatch() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	d.dispatcher.RegisterCapabilities(d.test)
	d.dispatcher.Start()
}

// GetDeviceModel fetches (or returns the cached) model document.
func (d *DirectlyConnectedDevice) GetDeviceModel(ctx context.Context, urn string) (*model.Model, error) {
	return d.models.Get(ctx, urn)
}

// Send queues one message for delivery. It fails before any network
// attempt when the device is not activated.
func (d *DirectlyConnectedDevice) Send(m Message) error {
	if !d.IsActivated() {
		return ErrNotActivated
	}
	return d.dispatcher.Queue(m)
}

// Receive pops the oldest inbound non-request message, if any.
func (d *DirectlyConnectedDevice) Receive() (Message, bool) {
	return d.dispatcher.Receive()
}

// sendTracked queues m and invokes done exactly once with the delivery
// outcome of that particular message.
func (d *DirectlyConnectedDevice) sendTracked(m Message, done func(error)) error {
	if !d.IsActivated() {
		return ErrNotActivated
	}
	d.mu.Lock()
	d.confirm[m.ClientID] = done
	d.mu.Unlock()
	if err := d.dispatcher.Queue(m); err != nil {
		d.mu.Lock()
		delete(d.confirm, m.ClientID)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *DirectlyConnectedDevice) settle(batch []Message, err error) {
	for _, m := range batch {
		d.mu.Lock()
		done := d.confirm[m.ClientID]
		delete(d.confirm, m.ClientID)
		d.mu.Unlock()
		if done != nil {
			done(err)
		}
	}
}

// CreateVirtualDevice binds a virtual device for endpointID over the given
// model URN, registering its request handlers.
func (d *DirectlyConnectedDevice) CreateVirtualDevice(ctx context.Context, endpointID, modelURN string) (*VirtualDevice, error) {
	if !d.IsActivated() {
		return nil, ErrNotActivated
	}
	m, err := d.models.Get(ctx, modelURN)
	if err != nil {
		return nil, err
	}
	return newVirtualDevice(d, endpointID, m), nil
}

// Close stops the polling machinery and the transport. Queued messages are
// not flushed.
func (d *DirectlyConnectedDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.test.Stop()
	d.dispatcher.Stop()
	return d.raw.Close()
}

// Dispatcher exposes the delivery counters for diagnostics.
func (d *DirectlyConnectedDevice) Counters() *dispatch.Counters {
	return d.dispatcher.Counters()
}
