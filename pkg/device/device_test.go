package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"iotdc/internal/dispatch"
	"iotdc/internal/message"
	"iotdc/internal/model"
	"iotdc/internal/scheduler"
	"iotdc/internal/session"
	"iotdc/internal/transport"
	"iotdc/internal/trust"
)

// loopAdapter scripts the message exchange: respond decides the outcome of
// each POST messages call.
type loopAdapter struct {
	mu      sync.Mutex
	batches [][]message.Message
	respond func(batch []message.Message) ([]byte, error)
}

func (a *loopAdapter) Request(_ context.Context, opts transport.RequestOptions, payload []byte) ([]byte, error) {
	var batch []message.Message
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &batch)
	}
	a.mu.Lock()
	a.batches = append(a.batches, batch)
	respond := a.respond
	a.mu.Unlock()
	if respond != nil {
		return respond(batch)
	}
	return []byte("[]"), nil
}

func (a *loopAdapter) Close() error { return nil }

func (a *loopAdapter) sentMessages() []message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var all []message.Message
	for _, b := range a.batches {
		all = append(all, b...)
	}
	return all
}

func newTestDevice(t *testing.T, adapter transport.Adapter, activated bool) (*DirectlyConnectedDevice, *scheduler.Registry) {
	t.Helper()
	store, err := trust.Provision(filepath.Join(t.TempDir(), "store.json"), "pw", trust.Assets{
		ClientID:     "client-1",
		SharedSecret: "secret",
		ServerHost:   "iot.example.com",
		ServerPort:   443,
		ServerScheme: "https",
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if activated {
		if err := store.GenerateKeyPair("RSA", 1024); err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		if err := store.SetEndpointCredentials("ep1", nil); err != nil {
			t.Fatalf("SetEndpointCredentials: %v", err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := session.New(store, logger)
	sess.Bind(adapter)
	registry := scheduler.NewRegistry(time.Hour)
	requests := dispatch.NewRequestDispatcher(logger)
	dispatcher := dispatch.NewDispatcher(adapter, sess, registry, requests, dispatch.Options{}, logger)
	d := &DirectlyConnectedDevice{
		logger:     logger,
		store:      store,
		session:    sess,
		raw:        adapter,
		auth:       adapter,
		registry:   registry,
		models:     model.NewCache(adapter, false, nil),
		requests:   requests,
		dispatcher: dispatcher,
		confirm:    map[string]func(error){},
	}
	d.test = dispatch.NewConnectivityTest(dispatcher, registry)
	dispatcher.OnDelivery(func(batch []Message) { d.settle(batch, nil) })
	dispatcher.OnError(func(batch []Message, err error) { d.settle(batch, err) })
	if activated {
		dispatcher.Start()
		t.Cleanup(dispatcher.Stop)
	}
	return d, registry
}

// remoteRequest shapes an inbound REQUEST message the way the server
// delivers one.
func remoteRequest(endpointID, method, path string, body []byte) message.Message {
	return message.NewBuilder().
		Source("server").
		Destination(endpointID).
		Type(message.TypeRequest).
		Payload(map[string]any{
			"method": method,
			"url":    path,
			"body":   base64.StdEncoding.EncodeToString(body),
		}).
		Build()
}

func responseCode(t *testing.T, resp message.Message) int {
	t.Helper()
	if resp.Type != message.TypeResponse {
		t.Fatalf("message type %s, want RESPONSE", resp.Type)
	}
	code, ok := resp.Payload["statusCode"].(int)
	if !ok {
		t.Fatalf("response has no integer statusCode: %v", resp.Payload["statusCode"])
	}
	return code
}

func thermostatModel() *model.Model {
	m := &model.Model{
		URN:  "urn:test:thermostat",
		Name: "thermostat",
		Attributes: []model.Attribute{
			{Name: "targetTemp", Type: "NUMBER", Writable: true, Range: "10,35"},
			{Name: "serial", Type: "STRING", Writable: false},
			{Name: "power", Type: "BOOLEAN", Writable: true},
		},
		Actions: []model.Action{
			{Name: "setLevel", ArgType: "INTEGER", Range: "0,10"},
			{Name: "reboot"},
		},
	}
	alert := model.Format{URN: "urn:test:thermostat:tooHot", Name: "tooHot", Type: "ALERT"}
	alert.Value.Fields = []model.Field{
		{Name: "temp", Type: "NUMBER", Optional: false},
		{Name: "note", Type: "STRING", Optional: true},
	}
	data := model.Format{URN: "urn:test:thermostat:reading", Name: "reading", Type: "DATA"}
	data.Value.Fields = []model.Field{
		{Name: "temp", Type: "NUMBER", Optional: false},
	}
	m.Formats = []model.Format{alert, data}
	return m
}

func TestSendBeforeActivationFailsWithoutNetwork(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, false)
	if err := d.Send(message.NewBuilder().Build()); err != ErrNotActivated {
		t.Fatalf("Send: %v, want ErrNotActivated", err)
	}
	if len(adapter.batches) != 0 {
		t.Fatalf("unactivated Send issued %d network calls", len(adapter.batches))
	}
	if _, err := d.CreateVirtualDevice(context.Background(), "ep1", "urn:test:x"); err != ErrNotActivated {
		t.Fatalf("CreateVirtualDevice: %v, want ErrNotActivated", err)
	}
}

func TestHandleKinds(t *testing.T) {
	d, _ := newTestDevice(t, &loopAdapter{}, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())

	for name, kind := range map[string]HandleKind{
		"targetTemp": KindAttribute,
		"setLevel":   KindAction,
		"tooHot":     KindAlertFormat,
		"reading":    KindDataFormat,
	} {
		h, ok := vd.Handle(name)
		if !ok || h.Kind != kind {
			t.Fatalf("Handle(%q) = %+v, %v", name, h, ok)
		}
	}
	if _, ok := vd.Handle("missing"); ok {
		t.Fatal("unknown name resolved")
	}
}

func TestVirtualDeviceCloseUnregistersHandlers(t *testing.T) {
	d, _ := newTestDevice(t, &loopAdapter{}, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	if err := vd.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := remoteRequest("ep1", "PUT", "deviceModels/urn:test:thermostat/attributes/targetTemp", []byte(`{"value":20}`))
	resp := d.requests.Dispatch(req)
	if code := responseCode(t, resp); code != 404 {
		t.Fatalf("status %d after Close, want 404", code)
	}
}
