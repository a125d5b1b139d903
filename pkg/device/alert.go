package device

import (
	"fmt"
	"sync"

	"iotdc/internal/message"
	"iotdc/internal/model"
)

// Severity grades an alert.
type Severity = message.Severity

const (
	SeverityLow         = message.SeverityLow
	SeverityNormal      = message.SeverityNormal
	SeveritySignificant = message.SeveritySignificant
	SeverityCritical    = message.SeverityCritical
)

// Alert is a single-use builder for one alert-format message. Every
// non-optional field must be set before Raise; raising clears all fields
// so the next raise starts fresh.
type Alert struct {
	vd     *VirtualDevice
	format *model.Format

	mu          sync.Mutex
	fields      map[string]any
	severity    Severity
	description string
}

// CreateAlert builds an alert bound to one of the model's ALERT formats.
func (vd *VirtualDevice) CreateAlert(formatURN string) (*Alert, error) {
	f, ok := vd.model.FormatByURN(formatURN)
	if !ok || f.Type != "ALERT" {
		return nil, fmt.Errorf("device: no alert format %q in %s", formatURN, vd.model.URN)
	}
	return &Alert{vd: vd, format: f, fields: map[string]any{}}, nil
}

// Set records one field value, validated against the format's field list.
func (a *Alert) Set(name string, value any) error {
	f, err := formatField(a.format, name)
	if err != nil {
		return err
	}
	norm, err := normalizeValue(f.Type, value)
	if err != nil {
		return fmt.Errorf("device: alert field %q: %w", name, err)
	}
	a.mu.Lock()
	a.fields[name] = norm
	a.mu.Unlock()
	return nil
}

// SetSeverity overrides the default SIGNIFICANT grade.
func (a *Alert) SetSeverity(s Severity) {
	a.mu.Lock()
	a.severity = s
	a.mu.Unlock()
}

func (a *Alert) SetDescription(d string) {
	a.mu.Lock()
	a.description = d
	a.mu.Unlock()
}

// Raise queues the alert message. All non-optional fields must be set;
// otherwise nothing is queued. On success all fields reset.
func (a *Alert) Raise() error {
	a.mu.Lock()
	fields := a.fields
	severity := a.severity
	description := a.description
	a.mu.Unlock()

	if err := checkMandatory(a.format, fields); err != nil {
		return err
	}
	m := message.BuildAlert(a.vd.endpointID, a.format.URN, description, severity, fields)
	if err := a.vd.dcd.Send(m); err != nil {
		return err
	}
	a.mu.Lock()
	a.fields = map[string]any{}
	a.severity = ""
	a.description = ""
	a.mu.Unlock()
	return nil
}

func formatField(f *model.Format, name string) (*model.Field, error) {
	for i := range f.Value.Fields {
		if f.Value.Fields[i].Name == name {
			return &f.Value.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("device: format %s has no field %q", f.URN, name)
}

func checkMandatory(f *model.Format, fields map[string]any) error {
	for _, field := range f.Value.Fields {
		if field.Optional {
			continue
		}
		if _, ok := fields[field.Name]; !ok {
			return fmt.Errorf("device: format %s: mandatory field %q not set", f.URN, field.Name)
		}
	}
	return nil
}
