// Package message defines the wire message model exchanged with the cloud
// and the bounded priority queue the dispatcher drains from.
package message

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages in the outbound queue. Higher values drain first.
type Priority int

const (
	PriorityLowest Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest
)

var priorityNames = map[Priority]string{
	PriorityLowest:  "LOWEST",
	PriorityLow:     "LOW",
	PriorityMedium:  "MEDIUM",
	PriorityHigh:    "HIGH",
	PriorityHighest: "HIGHEST",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "LOW"
}

// ParsePriority maps a wire name back to a Priority. Unknown names fall back
// to LOW, matching the server's default.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityLow
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Reliability is the delivery guarantee requested for a message.
type Reliability string

const (
	ReliabilityBestEffort         Reliability = "BEST_EFFORT"
	ReliabilityGuaranteedDelivery Reliability = "GUARANTEED_DELIVERY"
	ReliabilityNoGuarantee        Reliability = "NO_GUARANTEE"
)

// Type discriminates the payload shape.
type Type string

const (
	TypeData            Type = "DATA"
	TypeAlert           Type = "ALERT"
	TypeRequest         Type = "REQUEST"
	TypeResponse        Type = "RESPONSE"
	TypeResourcesReport Type = "RESOURCES_REPORT"
)

// Severity grades an alert message.
type Severity string

const (
	SeverityLow         Severity = "LOW"
	SeverityNormal      Severity = "NORMAL"
	SeveritySignificant Severity = "SIGNIFICANT"
	SeverityCritical    Severity = "CRITICAL"
)

// Message is one unit of traffic between the device and the cloud. It is
// treated as immutable once queued, except for the server-clock adjustment
// of EventTime applied at send time.
type Message struct {
	ClientID    string         `json:"clientId"`
	Source      string         `json:"source,omitempty"`
	Destination string         `json:"destination,omitempty"`
	Sender      string         `json:"sender,omitempty"`
	Priority    Priority       `json:"priority"`
	Reliability Reliability    `json:"reliability"`
	EventTime   int64          `json:"eventTime"`
	Type        Type           `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Builder assembles a Message fluently. Zero-value fields are filled with
// defaults by Build: a fresh client ID, BEST_EFFORT reliability, LOW
// priority and the current time.
type Builder struct {
	m Message
}

func NewBuilder() *Builder {
	return &Builder{m: Message{
		Priority:    PriorityLow,
		Reliability: ReliabilityBestEffort,
	}}
}

func (b *Builder) Source(id string) *Builder      { b.m.Source = id; return b }
func (b *Builder) Destination(id string) *Builder { b.m.Destination = id; return b }
func (b *Builder) Sender(id string) *Builder      { b.m.Sender = id; return b }
func (b *Builder) Priority(p Priority) *Builder   { b.m.Priority = p; return b }

func (b *Builder) Reliability(r Reliability) *Builder { b.m.Reliability = r; return b }
func (b *Builder) EventTime(t time.Time) *Builder     { b.m.EventTime = t.UnixMilli(); return b }
func (b *Builder) Type(t Type) *Builder               { b.m.Type = t; return b }

func (b *Builder) Property(key string, value any) *Builder {
	if b.m.Properties == nil {
		b.m.Properties = map[string]any{}
	}
	b.m.Properties[key] = value
	return b
}

// Format sets the format URN on the payload, used by DATA and ALERT messages.
func (b *Builder) Format(urn string) *Builder {
	b.payload()["format"] = urn
	return b
}

// DataItem records one payload data field.
func (b *Builder) DataItem(key string, value any) *Builder {
	p := b.payload()
	data, ok := p["data"].(map[string]any)
	if !ok {
		data = map[string]any{}
		p["data"] = data
	}
	data[key] = value
	return b
}

// Severity marks the message as an alert of the given grade.
func (b *Builder) Severity(s Severity) *Builder {
	b.payload()["severity"] = string(s)
	return b
}

func (b *Builder) Description(d string) *Builder {
	b.payload()["description"] = d
	return b
}

func (b *Builder) Payload(p map[string]any) *Builder {
	b.m.Payload = p
	return b
}

func (b *Builder) payload() map[string]any {
	if b.m.Payload == nil {
		b.m.Payload = map[string]any{}
	}
	return b.m.Payload
}

// Build finalizes the message, filling defaults for unset fields.
func (b *Builder) Build() Message {
	m := b.m
	if m.ClientID == "" {
		m.ClientID = uuid.NewString()
	}
	if m.EventTime == 0 {
		m.EventTime = time.Now().UnixMilli()
	}
	if m.Type == "" {
		m.Type = TypeData
	}
	if m.Reliability == "" {
		m.Reliability = ReliabilityBestEffort
	}
	return m
}

// BuildResponse creates the RESPONSE message answering req. Source and
// destination are swapped relative to the request, and the request's id and
// originating URL are echoed back so the server can correlate the reply.
func BuildResponse(req Message, statusCode int, headers map[string]any, body []byte) Message {
	payload := map[string]any{
		"statusCode": statusCode,
		"url":        "",
		"requestId":  req.ClientID,
		"headers":    headers,
		"body":       base64.StdEncoding.EncodeToString(body),
	}
	if req.Payload != nil {
		if u, ok := req.Payload["url"].(string); ok {
			payload["url"] = u
		}
	}
	if headers == nil {
		payload["headers"] = map[string]any{}
	}
	return NewBuilder().
		Source(req.Destination).
		Destination(req.Source).
		Priority(req.Priority).
		Type(TypeResponse).
		Payload(payload).
		Build()
}

// BuildAlert creates an ALERT message. Alerts always travel at the highest
// priority; an empty severity defaults to SIGNIFICANT.
func BuildAlert(source, format, description string, severity Severity, data map[string]any) Message {
	if severity == "" {
		severity = SeveritySignificant
	}
	b := NewBuilder().
		Source(source).
		Priority(PriorityHighest).
		Type(TypeAlert).
		Format(format).
		Severity(severity)
	if description != "" {
		b.Description(description)
	}
	for k, v := range data {
		b.DataItem(k, v)
	}
	return b.Build()
}

// RequestMethod extracts the HTTP-shaped method of a REQUEST message.
func RequestMethod(m Message) string {
	if s, ok := m.Payload["method"].(string); ok {
		return s
	}
	return ""
}

// RequestURL extracts the target path of a REQUEST message.
func RequestURL(m Message) string {
	if s, ok := m.Payload["url"].(string); ok {
		return s
	}
	return ""
}

// RequestBody decodes the base64 body of a REQUEST message. A missing or
// malformed body yields nil.
func RequestBody(m Message) []byte {
	s, ok := m.Payload["body"].(string)
	if !ok {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
