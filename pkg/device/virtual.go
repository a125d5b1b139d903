package device

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"iotdc/internal/dispatch"
	"iotdc/internal/message"
	"iotdc/internal/model"
)

// NamedValue pairs an attribute name with a value in bulk updates and
// device-level change notifications.
type NamedValue struct {
	Name  string
	Value any
}

// ChangeEvent describes one committed attribute change.
type ChangeEvent struct {
	Attribute string
	NewValue  any
}

// ErrorEvent describes a failed attribute update: TriedValue is what was
// attempted, Value is what the attribute rolled back to.
type ErrorEvent struct {
	Attribute  string
	TriedValue any
	Value      any
	Err        error
}

// HandleKind tags the variant a model member resolves to.
type HandleKind int

const (
	KindAttribute HandleKind = iota
	KindAction
	KindAlertFormat
	KindDataFormat
)

// Handle is the explicit, tagged lookup result for a model member name.
// Exactly one of Attribute, Action or FormatURN is meaningful per kind.
type Handle struct {
	Kind      HandleKind
	Attribute *Attribute
	Action    *Action
	FormatURN string
}

// VirtualDevice is the local proxy for one endpoint's device model. It
// holds a non-owning back-reference to the client that created it.
type VirtualDevice struct {
	dcd        *DirectlyConnectedDevice
	endpointID string
	model      *model.Model

	mu       sync.Mutex
	handles  map[string]Handle
	onChange func([]NamedValue)
	onError  func(ErrorEvent)
	closed   bool
}

func newVirtualDevice(dcd *DirectlyConnectedDevice, endpointID string, m *model.Model) *VirtualDevice {
	vd := &VirtualDevice{
		dcd:        dcd,
		endpointID: endpointID,
		model:      m,
		handles:    map[string]Handle{},
	}
	base := "deviceModels/" + m.URN + "/attributes"
	for i := range m.Attributes {
		spec := &m.Attributes[i]
		attr := &Attribute{vd: vd, spec: spec}
		if spec.DefaultValue != nil {
			var def any
			if json.Unmarshal(spec.DefaultValue, &def) == nil {
				if norm, err := normalizeValue(spec.Type, def); err == nil {
					attr.value = norm
					attr.lastKnown = norm
				}
			}
		}
		vd.handles[spec.Name] = Handle{Kind: KindAttribute, Attribute: attr}
		dcd.requests.Register(endpointID, base+"/"+spec.Name, vd.putAttributeHandler(attr))
		if spec.Alias != "" {
			vd.handles[spec.Alias] = Handle{Kind: KindAttribute, Attribute: attr}
			dcd.requests.Register(endpointID, base+"/"+spec.Alias, vd.putAttributeHandler(attr))
		}
	}
	for i := range m.Actions {
		spec := &m.Actions[i]
		action := &Action{vd: vd, spec: spec}
		vd.handles[spec.Name] = Handle{Kind: KindAction, Action: action}
		dcd.requests.Register(endpointID, "deviceModels/"+m.URN+"/actions/"+spec.Name, vd.postActionHandler(action))
		if spec.Alias != "" {
			vd.handles[spec.Alias] = Handle{Kind: KindAction, Action: action}
			dcd.requests.Register(endpointID, "deviceModels/"+m.URN+"/actions/"+spec.Alias, vd.postActionHandler(action))
		}
	}
	for i := range m.Formats {
		f := &m.Formats[i]
		kind := KindDataFormat
		if f.Type == "ALERT" {
			kind = KindAlertFormat
		}
		vd.handles[f.Name] = Handle{Kind: kind, FormatURN: f.URN}
	}
	dcd.requests.Register(endpointID, base, vd.patchAttributesHandler())
	return vd
}

func (vd *VirtualDevice) EndpointID() string  { return vd.endpointID }
func (vd *VirtualDevice) Model() *model.Model { return vd.model }

// Handle resolves a model member by name or alias.
func (vd *VirtualDevice) Handle(name string) (Handle, bool) {
	vd.mu.Lock()
	defer vd.mu.Unlock()
	h, ok := vd.handles[name]
	return h, ok
}

// Attribute returns the named attribute handle.
func (vd *VirtualDevice) Attribute(name string) (*Attribute, error) {
	h, ok := vd.Handle(name)
	if !ok || h.Kind != KindAttribute {
		return nil, fmt.Errorf("device: no attribute %q in %s", name, vd.model.URN)
	}
	return h.Attribute, nil
}

// Action returns the named action handle.
func (vd *VirtualDevice) Action(name string) (*Action, error) {
	h, ok := vd.Handle(name)
	if !ok || h.Kind != KindAction {
		return nil, fmt.Errorf("device: no action %q in %s", name, vd.model.URN)
	}
	return h.Action, nil
}

// OnChange registers the device-level hook invoked with every committed
// attribute batch.
func (vd *VirtualDevice) OnChange(fn func([]NamedValue)) {
	vd.mu.Lock()
	vd.onChange = fn
	vd.mu.Unlock()
}

// OnError registers the device-level hook for failed updates.
func (vd *VirtualDevice) OnError(fn func(ErrorEvent)) {
	vd.mu.Lock()
	vd.onError = fn
	vd.mu.Unlock()
}

// Update applies several attribute values as one local batch: every value
// is validated before any is committed, and one DATA message carries the
// whole batch.
func (vd *VirtualDevice) Update(values map[string]any) error {
	type staged struct {
		attr *Attribute
		v    any
	}
	batch := make([]staged, 0, len(values))
	for name, v := range values {
		attr, err := vd.Attribute(name)
		if err != nil {
			return err
		}
		norm, err := attr.validate(v, false)
		if err != nil {
			return err
		}
		batch = append(batch, staged{attr, norm})
	}

	changes := make([]NamedValue, 0, len(batch))
	data := map[string]any{}
	for _, s := range batch {
		s.attr.commitLocal(s.v)
		changes = append(changes, NamedValue{s.attr.spec.Name, s.v})
		data[s.attr.spec.Name] = s.v
	}
	vd.notifyChange(changes)
	return vd.sendAttributeData(data, func(err error) {
		if err == nil {
			for _, s := range batch {
				s.attr.confirm(s.v)
			}
			return
		}
		for _, s := range batch {
			s.attr.rollback(s.v, err)
		}
	})
}

// Close drops the device's request handlers; the owning client keeps
// running.
func (vd *VirtualDevice) Close() error {
	vd.mu.Lock()
	if vd.closed {
		vd.mu.Unlock()
		return nil
	}
	vd.closed = true
	vd.mu.Unlock()
	vd.dcd.requests.UnregisterEndpoint(vd.endpointID)
	return nil
}

func (vd *VirtualDevice) notifyChange(changes []NamedValue) {
	vd.mu.Lock()
	fn := vd.onChange
	vd.mu.Unlock()
	if fn != nil && len(changes) > 0 {
		fn(changes)
	}
}

func (vd *VirtualDevice) notifyError(ev ErrorEvent) {
	vd.mu.Lock()
	fn := vd.onError
	vd.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// sendAttributeData queues the DATA message acknowledging attribute state,
// tracking the delivery outcome when done is non-nil.
func (vd *VirtualDevice) sendAttributeData(data map[string]any, done func(error)) error {
	b := message.NewBuilder().
		Source(vd.endpointID).
		Priority(message.PriorityMedium).
		Type(message.TypeData).
		Format(vd.model.URN + ":attributes")
	for k, v := range data {
		b.DataItem(k, v)
	}
	m := b.Build()
	if done == nil {
		return vd.dcd.Send(m)
	}
	return vd.dcd.sendTracked(m, done)
}

// putAttributeHandler is the remote update path: dry-run validation,
// attribute hook, device hook, then commit and acknowledge.
func (vd *VirtualDevice) putAttributeHandler(attr *Attribute) dispatch.Handler {
	return func(req message.Message) message.Message {
		if m := message.RequestMethod(req); m != "PUT" && m != "put" {
			return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
		}
		var body struct {
			Value any `json:"value"`
		}
		if err := json.Unmarshal(message.RequestBody(req), &body); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		norm, err := attr.validate(body.Value, true)
		if err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		if err := attr.runOnChange(norm); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		attr.commitRemote(norm)
		vd.notifyChange([]NamedValue{{attr.spec.Name, norm}})
		if err := vd.sendAttributeData(map[string]any{attr.spec.Name: norm}, nil); err != nil {
			vd.dcd.logger.Warn("attribute ack not queued", "attribute", attr.spec.Name, "error", err)
		}
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	}
}

// patchAttributesHandler applies a multi-attribute update atomically: all
// values validate before any commits, and one DATA message summarizes the
// batch.
func (vd *VirtualDevice) patchAttributesHandler() dispatch.Handler {
	return func(req message.Message) message.Message {
		if m := message.RequestMethod(req); m != "PATCH" && m != "patch" {
			return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
		}
		var values map[string]any
		if err := json.Unmarshal(message.RequestBody(req), &values); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		type staged struct {
			attr *Attribute
			v    any
		}
		batch := make([]staged, 0, len(values))
		for name, v := range values {
			attr, err := vd.Attribute(name)
			if err != nil {
				return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
			}
			norm, err := attr.validate(v, true)
			if err != nil {
				return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
			}
			batch = append(batch, staged{attr, norm})
		}
		for _, s := range batch {
			if err := s.attr.runOnChange(s.v); err != nil {
				return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
			}
		}

		changes := make([]NamedValue, 0, len(batch))
		data := map[string]any{}
		for _, s := range batch {
			s.attr.commitRemote(s.v)
			changes = append(changes, NamedValue{s.attr.spec.Name, s.v})
			data[s.attr.spec.Name] = s.v
		}
		vd.notifyChange(changes)
		if err := vd.sendAttributeData(data, nil); err != nil {
			vd.dcd.logger.Warn("attribute batch ack not queued", "error", err)
		}
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	}
}

func (vd *VirtualDevice) postActionHandler(action *Action) dispatch.Handler {
	return func(req message.Message) message.Message {
		if m := message.RequestMethod(req); m != "POST" && m != "post" {
			return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
		}
		return action.execute(req)
	}
}
