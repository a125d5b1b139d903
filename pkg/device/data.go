package device

import (
	"fmt"
	"sync"

	"iotdc/internal/message"
	"iotdc/internal/model"
)

// Data is the single-use builder for one custom data-format message,
// mirroring Alert but without severity.
type Data struct {
	vd     *VirtualDevice
	format *model.Format

	mu     sync.Mutex
	fields map[string]any
}

// CreateData builds a data message bound to one of the model's DATA
// formats.
func (vd *VirtualDevice) CreateData(formatURN string) (*Data, error) {
	f, ok := vd.model.FormatByURN(formatURN)
	if !ok || f.Type != "DATA" {
		return nil, fmt.Errorf("device: no data format %q in %s", formatURN, vd.model.URN)
	}
	return &Data{vd: vd, format: f, fields: map[string]any{}}, nil
}

// Set records one field value, validated against the format's field list.
func (d *Data) Set(name string, value any) error {
	f, err := formatField(d.format, name)
	if err != nil {
		return err
	}
	norm, err := normalizeValue(f.Type, value)
	if err != nil {
		return fmt.Errorf("device: data field %q: %w", name, err)
	}
	d.mu.Lock()
	d.fields[name] = norm
	d.mu.Unlock()
	return nil
}

// Submit queues the data message. All non-optional fields must be set;
// on success all fields reset.
func (d *Data) Submit() error {
	d.mu.Lock()
	fields := d.fields
	d.mu.Unlock()

	if err := checkMandatory(d.format, fields); err != nil {
		return err
	}
	b := message.NewBuilder().
		Source(d.vd.endpointID).
		Priority(message.PriorityMedium).
		Type(message.TypeData).
		Format(d.format.URN)
	for k, v := range fields {
		b.DataItem(k, v)
	}
	if err := d.vd.dcd.Send(b.Build()); err != nil {
		return err
	}
	d.mu.Lock()
	d.fields = map[string]any{}
	d.mu.Unlock()
	return nil
}
