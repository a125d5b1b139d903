package device

import (
	"errors"
	"sync"
	"testing"

	"iotdc/internal/message"
)

func TestAttributeSetConfirmsOnDelivery(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, err := vd.Attribute("targetTemp")
	if err != nil {
		t.Fatalf("Attribute: %v", err)
	}

	if err := attr.Set(21.5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := attr.Get(); got != 21.5 {
		t.Fatalf("value %v before delivery, want 21.5", got)
	}
	if lk := attr.LastKnownValue(); lk != nil {
		t.Fatalf("last-known %v before delivery, want nil", lk)
	}

	registry.Tick()

	if lk := attr.LastKnownValue(); lk != 21.5 {
		t.Fatalf("last-known %v after delivery, want 21.5", lk)
	}
	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0]
	if m.Type != message.TypeData || m.Priority != message.PriorityMedium {
		t.Fatalf("message type=%s priority=%s", m.Type, m.Priority)
	}
	if f := m.Payload["format"]; f != "urn:test:thermostat:attributes" {
		t.Fatalf("format %v", f)
	}
	data, _ := m.Payload["data"].(map[string]any)
	if data["targetTemp"] != 21.5 {
		t.Fatalf("data %v", data)
	}
}

func TestAttributeRollbackOnDeliveryFailure(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, _ := vd.Attribute("targetTemp")

	if err := attr.Set(20.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	registry.Tick()
	if lk := attr.LastKnownValue(); lk != 20.0 {
		t.Fatalf("last-known %v after first delivery", lk)
	}

	adapter.mu.Lock()
	adapter.respond = func([]message.Message) ([]byte, error) {
		return nil, errors.New("exchange refused")
	}
	adapter.mu.Unlock()

	var mu sync.Mutex
	var attrEvents, deviceEvents []ErrorEvent
	attr.OnError(func(ev ErrorEvent) {
		mu.Lock()
		attrEvents = append(attrEvents, ev)
		mu.Unlock()
	})
	vd.OnError(func(ev ErrorEvent) {
		mu.Lock()
		deviceEvents = append(deviceEvents, ev)
		mu.Unlock()
	})

	if err := attr.Set(30.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	registry.Tick()

	if got := attr.Get(); got != 20.0 {
		t.Fatalf("value %v after rollback, want 20", got)
	}
	if lk := attr.LastKnownValue(); lk != 20.0 {
		t.Fatalf("last-known %v after rollback, want 20", lk)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attrEvents) != 1 || len(deviceEvents) != 1 {
		t.Fatalf("error hooks fired %d/%d times, want 1/1", len(attrEvents), len(deviceEvents))
	}
	ev := attrEvents[0]
	if ev.Attribute != "targetTemp" || ev.TriedValue != 30.0 || ev.Value != 20.0 || ev.Err == nil {
		t.Fatalf("error event %+v", ev)
	}
}

func TestAttributeRejectedUpdateLeavesStateUntouched(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, _ := vd.Attribute("targetTemp")

	if err := attr.Set(25.0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	registry.Tick()

	cases := []any{100.0, 5.0, "warm", true}
	for _, v := range cases {
		if err := attr.Set(v); err == nil {
			t.Fatalf("Set(%v) accepted", v)
		}
		if got := attr.Get(); got != 25.0 {
			t.Fatalf("value %v after rejected Set(%v), want 25", got, v)
		}
		if lk := attr.LastKnownValue(); lk != 25.0 {
			t.Fatalf("last-known %v after rejected Set(%v), want 25", lk, v)
		}
	}
	if sent := adapter.sentMessages(); len(sent) != 1 {
		t.Fatalf("rejected updates produced traffic: %d messages", len(sent))
	}
}

func TestRemotePutCommitsAndAcknowledges(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, _ := vd.Attribute("targetTemp")

	var mu sync.Mutex
	var changes []NamedValue
	vd.OnChange(func(batch []NamedValue) {
		mu.Lock()
		changes = append(changes, batch...)
		mu.Unlock()
	})

	req := remoteRequest("ep1", "PUT", "deviceModels/urn:test:thermostat/attributes/targetTemp", []byte(`{"value":28}`))
	resp := d.requests.Dispatch(req)
	if code := responseCode(t, resp); code != 200 {
		t.Fatalf("status %d, want 200", code)
	}
	if got := attr.Get(); got != 28.0 {
		t.Fatalf("value %v, want 28", got)
	}
	if lk := attr.LastKnownValue(); lk != 28.0 {
		t.Fatalf("last-known %v, want 28 (server is source of truth)", lk)
	}
	mu.Lock()
	if len(changes) != 1 || changes[0].Name != "targetTemp" || changes[0].Value != 28.0 {
		t.Fatalf("change hook saw %v", changes)
	}
	mu.Unlock()
	if n := d.dispatcher.QueueLen(); n != 1 {
		t.Fatalf("%d messages queued, want 1 ack", n)
	}
}

func TestRemotePutRejections(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, _ := vd.Attribute("targetTemp")
	attr.commitRemote(22.0)

	base := "deviceModels/urn:test:thermostat/attributes/"
	cases := []struct {
		name string
		path string
		body string
	}{
		{"not writable", base + "serial", `{"value":"abc"}`},
		{"out of range", base + "targetTemp", `{"value":99}`},
		{"wrong type", base + "targetTemp", `{"value":"hot"}`},
	}
	for _, tc := range cases {
		resp := d.requests.Dispatch(remoteRequest("ep1", "PUT", tc.path, []byte(tc.body)))
		if code := responseCode(t, resp); code != 400 {
			t.Fatalf("%s: status %d, want 400", tc.name, code)
		}
	}
	if got := attr.Get(); got != 22.0 {
		t.Fatalf("value %v after rejected remote updates, want 22", got)
	}

	resp := d.requests.Dispatch(remoteRequest("ep1", "GET", base+"targetTemp", nil))
	if code := responseCode(t, resp); code != 405 {
		t.Fatalf("GET status %d, want 405", code)
	}
}

func TestRemotePutOnChangeHookRejects(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	attr, _ := vd.Attribute("targetTemp")
	attr.commitRemote(22.0)
	attr.OnChange(func(ev ChangeEvent) error {
		return errors.New("compressor locked out")
	})

	req := remoteRequest("ep1", "PUT", "deviceModels/urn:test:thermostat/attributes/targetTemp", []byte(`{"value":30}`))
	resp := d.requests.Dispatch(req)
	if code := responseCode(t, resp); code != 400 {
		t.Fatalf("status %d, want 400", code)
	}
	if got := attr.Get(); got != 22.0 {
		t.Fatalf("value %v after hook rejection, want 22", got)
	}
	if n := d.dispatcher.QueueLen(); n != 0 {
		t.Fatalf("%d messages queued after rejection, want 0", n)
	}
}

func TestRemotePatchIsAtomic(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	temp, _ := vd.Attribute("targetTemp")
	power, _ := vd.Attribute("power")
	temp.commitRemote(22.0)
	power.commitRemote(false)

	base := "deviceModels/urn:test:thermostat/attributes"
	resp := d.requests.Dispatch(remoteRequest("ep1", "PATCH", base, []byte(`{"targetTemp":26,"power":"on"}`)))
	if code := responseCode(t, resp); code != 400 {
		t.Fatalf("status %d, want 400", code)
	}
	if temp.Get() != 22.0 || power.Get() != false {
		t.Fatalf("partial commit: targetTemp=%v power=%v", temp.Get(), power.Get())
	}

	resp = d.requests.Dispatch(remoteRequest("ep1", "PATCH", base, []byte(`{"targetTemp":26,"power":true}`)))
	if code := responseCode(t, resp); code != 200 {
		t.Fatalf("status %d, want 200", code)
	}
	if temp.Get() != 26.0 || power.Get() != true {
		t.Fatalf("batch not applied: targetTemp=%v power=%v", temp.Get(), power.Get())
	}
	if n := d.dispatcher.QueueLen(); n != 1 {
		t.Fatalf("%d messages queued, want a single batch ack", n)
	}
}

func TestUpdateBatchRollsBackTogether(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	temp, _ := vd.Attribute("targetTemp")
	power, _ := vd.Attribute("power")
	temp.commitRemote(22.0)
	power.commitRemote(false)

	if err := vd.Update(map[string]any{"targetTemp": 26, "power": "on"}); err == nil {
		t.Fatal("invalid batch accepted")
	}
	if temp.Get() != 22.0 || power.Get() != false {
		t.Fatalf("partial local commit: targetTemp=%v power=%v", temp.Get(), power.Get())
	}

	adapter.mu.Lock()
	adapter.respond = func([]message.Message) ([]byte, error) {
		return nil, errors.New("exchange refused")
	}
	adapter.mu.Unlock()
	if err := vd.Update(map[string]any{"targetTemp": 26, "power": true}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	registry.Tick()

	if temp.Get() != 22.0 || power.Get() != false {
		t.Fatalf("batch not rolled back: targetTemp=%v power=%v", temp.Get(), power.Get())
	}
}
