package device

import (
	"fmt"
	"math"
	"sync"
	"time"

	"iotdc/internal/model"
)

// Attribute is a typed handle on one model attribute. Its value only
// becomes the last-known value once the cloud round-trip confirms it; a
// rejected local update rolls back to the last-known value.
type Attribute struct {
	vd   *VirtualDevice
	spec *model.Attribute

	mu         sync.Mutex
	value      any
	lastKnown  any
	lastUpdate time.Time
	onChange   func(ChangeEvent) error
	onError    func(ErrorEvent)
}

func (a *Attribute) Name() string { return a.spec.Name }

func (a *Attribute) Get() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// LastKnownValue is the last server-confirmed value.
func (a *Attribute) LastKnownValue() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastKnown
}

func (a *Attribute) LastUpdate() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastUpdate
}

// OnChange registers the hook run before a remote update commits. An
// error from the hook rejects the update.
func (a *Attribute) OnChange(fn func(ChangeEvent) error) {
	a.mu.Lock()
	a.onChange = fn
	a.mu.Unlock()
}

// OnError registers the hook run when a local update is rejected by the
// cloud and rolled back.
func (a *Attribute) OnError(fn func(ErrorEvent)) {
	a.mu.Lock()
	a.onError = fn
	a.mu.Unlock()
}

// Set applies a local update: the value takes effect immediately and the
// cloud is informed asynchronously. If delivery fails, the value rolls
// back and the error hooks fire. A validation failure leaves both value
// and last-known value untouched.
func (a *Attribute) Set(v any) error {
	norm, err := a.validate(v, false)
	if err != nil {
		return err
	}
	a.commitLocal(norm)
	a.vd.notifyChange([]NamedValue{{a.spec.Name, norm}})
	return a.vd.sendAttributeData(map[string]any{a.spec.Name: norm}, func(err error) {
		if err == nil {
			a.confirm(norm)
			return
		}
		a.rollback(norm, err)
	})
}

// validate normalizes v against the attribute's type and range. The
// remote path additionally enforces writability.
func (a *Attribute) validate(v any, remote bool) (any, error) {
	if remote && !a.spec.Writable {
		return nil, fmt.Errorf("device: attribute %q is not writable", a.spec.Name)
	}
	norm, err := normalizeValue(a.spec.Type, v)
	if err != nil {
		return nil, fmt.Errorf("device: attribute %q: %w", a.spec.Name, err)
	}
	if a.spec.Range != "" {
		low, high, ok := model.ParseRange(a.spec.Range)
		if ok {
			if n, isNum := asFloat(norm); isNum && (n < low || n > high) {
				return nil, fmt.Errorf("device: attribute %q: value %v outside range %s", a.spec.Name, v, a.spec.Range)
			}
		}
	}
	return norm, nil
}

func (a *Attribute) runOnChange(v any) error {
	a.mu.Lock()
	fn := a.onChange
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ChangeEvent{Attribute: a.spec.Name, NewValue: v})
}

// commitLocal applies a locally set value; the last-known value waits for
// the server confirmation.
func (a *Attribute) commitLocal(v any) {
	a.mu.Lock()
	a.value = v
	a.lastUpdate = time.Now()
	a.mu.Unlock()
}

// commitRemote applies a server-driven value; the server is the source of
// truth, so the last-known value moves with it.
func (a *Attribute) commitRemote(v any) {
	a.mu.Lock()
	a.value = v
	a.lastKnown = v
	a.lastUpdate = time.Now()
	a.mu.Unlock()
}

// confirm promotes a delivered local value to last-known.
func (a *Attribute) confirm(v any) {
	a.mu.Lock()
	if a.value == v {
		a.lastKnown = v
	}
	a.mu.Unlock()
}

// rollback reverts a rejected local update and fires the error hooks with
// the attempted and restored values.
func (a *Attribute) rollback(tried any, err error) {
	a.mu.Lock()
	restored := a.lastKnown
	if a.value == tried {
		a.value = restored
	}
	hook := a.onError
	a.mu.Unlock()
	ev := ErrorEvent{Attribute: a.spec.Name, TriedValue: tried, Value: restored, Err: err}
	if hook != nil {
		hook(ev)
	}
	a.vd.notifyError(ev)
}

// normalizeValue coerces v into the canonical Go representation of the
// model type. JSON numbers arrive as float64 regardless of the declared
// type.
func normalizeValue(attrType string, v any) (any, error) {
	switch attrType {
	case "INTEGER":
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an integer", v)
			}
			return int64(n), nil
		}
		return nil, fmt.Errorf("value %T is not an integer", v)
	case "NUMBER":
		switch n := v.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		}
		return nil, fmt.Errorf("value %T is not a number", v)
	case "STRING", "URI":
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("value %T is not a string", v)
	case "BOOLEAN":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value %T is not a boolean", v)
	case "DATETIME":
		switch n := v.(type) {
		case time.Time:
			return n.UnixMilli(), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
		return nil, fmt.Errorf("value %T is not a datetime", v)
	default:
		return nil, fmt.Errorf("unsupported attribute type %q", attrType)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
