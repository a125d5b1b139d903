// Package model holds the server-defined device model documents and a
// per-client cache for them. A model is immutable: once fetched it stays
// cached for the process lifetime and is never refetched.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"iotdc/internal/transport"
)

// Attribute describes one typed, possibly writable device property.
type Attribute struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Type         string          `json:"type"`
	Writable     bool            `json:"writable"`
	Range        string          `json:"range,omitempty"`
	Alias        string          `json:"alias,omitempty"`
	DefaultValue json.RawMessage `json:"defaultValue,omitempty"`
}

// Action describes one invokable operation and its optional argument.
type Action struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ArgType     string `json:"argType,omitempty"`
	Range       string `json:"range,omitempty"`
	Alias       string `json:"alias,omitempty"`
}

// Field is one entry of a message format.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional"`
}

// Format describes an ALERT or DATA message format the model can emit.
type Format struct {
	URN         string `json:"urn"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Value       struct {
		Fields []Field `json:"fields"`
	} `json:"value"`
}

// Model is one device model document.
type Model struct {
	URN         string      `json:"urn"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Draft       bool        `json:"draft"`
	Attributes  []Attribute `json:"attributes"`
	Actions     []Action    `json:"actions"`
	Formats     []Format    `json:"formats"`
}

// AttributeByName resolves an attribute by name or alias.
func (m *Model) AttributeByName(name string) (*Attribute, bool) {
	for i := range m.Attributes {
		if m.Attributes[i].Name == name || (m.Attributes[i].Alias != "" && m.Attributes[i].Alias == name) {
			return &m.Attributes[i], true
		}
	}
	return nil, false
}

// ActionByName resolves an action by name or alias.
func (m *Model) ActionByName(name string) (*Action, bool) {
	for i := range m.Actions {
		if m.Actions[i].Name == name || (m.Actions[i].Alias != "" && m.Actions[i].Alias == name) {
			return &m.Actions[i], true
		}
	}
	return nil, false
}

// FormatByURN resolves a message format.
func (m *Model) FormatByURN(urn string) (*Format, bool) {
	for i := range m.Formats {
		if m.Formats[i].URN == urn {
			return &m.Formats[i], true
		}
	}
	return nil, false
}

// ParseRange splits the "low,high" range notation.
func ParseRange(r string) (low, high float64, ok bool) {
	parts := strings.SplitN(r, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	low, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	high, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return low, high, true
}

// Cache fetches model documents over the authenticated transport and keeps
// them forever. One cache belongs to one client instance.
type Cache struct {
	adapter    transport.Adapter
	allowDraft bool
	logger     *slog.Logger

	mu     sync.Mutex
	models map[string]*Model
}

func NewCache(adapter transport.Adapter, allowDraft bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		adapter:    adapter,
		allowDraft: allowDraft,
		logger:     logger,
		models:     map[string]*Model{},
	}
}

// Get returns the model for urn, fetching it on first use. Draft models
// are rejected unless the cache was built to allow them.
func (c *Cache) Get(ctx context.Context, urn string) (*Model, error) {
	c.mu.Lock()
	if m, ok := c.models[urn]; ok {
		c.mu.Unlock()
		return m, nil
	}
	c.mu.Unlock()

	body, err := c.adapter.Request(ctx, transport.RequestOptions{
		Method: "GET",
		Path:   "deviceModels/" + url.PathEscape(urn),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("model: fetch %s: %w", urn, err)
	}
	var m Model
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("model: parse %s: %w", urn, err)
	}
	if m.Draft && !c.allowDraft {
		return nil, fmt.Errorf("model: %s is a draft", urn)
	}
	c.mu.Lock()
	c.models[urn] = &m
	c.mu.Unlock()
	c.logger.Debug("device model cached", "urn", urn)
	return &m, nil
}
