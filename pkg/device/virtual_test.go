package device

import (
	"errors"
	"testing"

	"iotdc/internal/message"
)

func TestActionInvocation(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())

	path := "deviceModels/urn:test:thermostat/actions/setLevel"
	resp := d.requests.Dispatch(remoteRequest("ep1", "POST", path, []byte(`{"value":5}`)))
	if code := responseCode(t, resp); code != 404 {
		t.Fatalf("status %d without handler, want 404", code)
	}

	action, err := vd.Action("setLevel")
	if err != nil {
		t.Fatalf("Action: %v", err)
	}
	var got any
	var fail error
	action.OnExecute(func(arg any) error {
		got = arg
		return fail
	})

	resp = d.requests.Dispatch(remoteRequest("ep1", "POST", path, []byte(`{"value":5}`)))
	if code := responseCode(t, resp); code != 200 {
		t.Fatalf("status %d, want 200", code)
	}
	if got != int64(5) {
		t.Fatalf("handler arg %v (%T), want int64(5)", got, got)
	}

	resp = d.requests.Dispatch(remoteRequest("ep1", "POST", path, []byte(`{"value":11}`)))
	if code := responseCode(t, resp); code != 400 {
		t.Fatalf("status %d for out-of-range argument, want 400", code)
	}
	resp = d.requests.Dispatch(remoteRequest("ep1", "POST", path, []byte(`{"value":1.5}`)))
	if code := responseCode(t, resp); code != 400 {
		t.Fatalf("status %d for fractional argument, want 400", code)
	}

	fail = errors.New("hardware busy")
	resp = d.requests.Dispatch(remoteRequest("ep1", "POST", path, []byte(`{"value":3}`)))
	if code := responseCode(t, resp); code != 500 {
		t.Fatalf("status %d when handler errors, want 500", code)
	}

	resp = d.requests.Dispatch(remoteRequest("ep1", "PUT", path, []byte(`{"value":3}`)))
	if code := responseCode(t, resp); code != 405 {
		t.Fatalf("status %d for PUT on action, want 405", code)
	}
}

func TestActionWithoutArgumentIgnoresBody(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())
	action, _ := vd.Action("reboot")

	called := false
	action.OnExecute(func(arg any) error {
		called = true
		if arg != nil {
			t.Fatalf("argument %v for argument-less action", arg)
		}
		return nil
	})
	resp := d.requests.Dispatch(remoteRequest("ep1", "POST", "deviceModels/urn:test:thermostat/actions/reboot", nil))
	if code := responseCode(t, resp); code != 200 || !called {
		t.Fatalf("status %d called=%v", code, called)
	}
}

func TestAlertRaiseRequiresMandatoryFieldsAndClears(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())

	alert, err := vd.CreateAlert("urn:test:thermostat:tooHot")
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if err := alert.Raise(); err == nil {
		t.Fatal("Raise succeeded without mandatory field")
	}
	if n := d.dispatcher.QueueLen(); n != 0 {
		t.Fatalf("%d messages queued by failed Raise", n)
	}

	if err := alert.Set("temp", 81.5); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := alert.Set("note", "sensor bay"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := alert.Set("bogus", 1); err == nil {
		t.Fatal("Set accepted a field the format does not declare")
	}
	alert.SetSeverity(SeverityCritical)
	if err := alert.Raise(); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	registry.Tick()

	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0]
	if m.Type != message.TypeAlert || m.Priority != message.PriorityHighest {
		t.Fatalf("alert type=%s priority=%s", m.Type, m.Priority)
	}
	if m.Payload["format"] != "urn:test:thermostat:tooHot" || m.Payload["severity"] != "CRITICAL" {
		t.Fatalf("alert payload %v", m.Payload)
	}
	data, _ := m.Payload["data"].(map[string]any)
	if data["temp"] != 81.5 || data["note"] != "sensor bay" {
		t.Fatalf("alert data %v", data)
	}

	// Fields reset on a successful raise, so the next one starts empty.
	if err := alert.Raise(); err == nil {
		t.Fatal("second Raise succeeded without re-setting mandatory field")
	}
}

func TestDataSubmit(t *testing.T) {
	adapter := &loopAdapter{}
	d, registry := newTestDevice(t, adapter, true)
	vd := newVirtualDevice(d, "ep1", thermostatModel())

	if _, err := vd.CreateData("urn:test:thermostat:tooHot"); err == nil {
		t.Fatal("CreateData accepted an ALERT format")
	}
	data, err := vd.CreateData("urn:test:thermostat:reading")
	if err != nil {
		t.Fatalf("CreateData: %v", err)
	}
	if err := data.Submit(); err == nil {
		t.Fatal("Submit succeeded without mandatory field")
	}
	if err := data.Set("temp", 19.25); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := data.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	registry.Tick()

	sent := adapter.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	m := sent[0]
	if m.Type != message.TypeData || m.Priority != message.PriorityMedium {
		t.Fatalf("data type=%s priority=%s", m.Type, m.Priority)
	}
	if m.Payload["format"] != "urn:test:thermostat:reading" {
		t.Fatalf("data payload %v", m.Payload)
	}
	if err := data.Submit(); err == nil {
		t.Fatal("second Submit succeeded after fields cleared")
	}
}

func TestAttributeDefaultValueSeedsState(t *testing.T) {
	adapter := &loopAdapter{}
	d, _ := newTestDevice(t, adapter, true)
	m := thermostatModel()
	m.Attributes[0].DefaultValue = []byte(`18`)
	vd := newVirtualDevice(d, "ep1", m)
	attr, _ := vd.Attribute("targetTemp")
	if attr.Get() != 18.0 || attr.LastKnownValue() != 18.0 {
		t.Fatalf("default not applied: value=%v lastKnown=%v", attr.Get(), attr.LastKnownValue())
	}
}
