// Package dispatch moves messages between the device and the cloud: the
// Dispatcher drains the priority queue into batched exchanges and feeds
// inbound requests to the RequestDispatcher, which routes them to the
// handlers virtual devices register.
package dispatch

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"iotdc/internal/message"
)

// Handler answers one inbound REQUEST message with a RESPONSE message.
type Handler func(req message.Message) message.Message

// RequestDispatcher is the routing table from (endpointID, path) to
// handler. Dispatch never returns nothing: an unmatched request yields a
// 404 response and a panicking handler yields a 500.
type RequestDispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[string]Handler
}

func NewRequestDispatcher(logger *slog.Logger) *RequestDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestDispatcher{
		logger:   logger,
		handlers: map[string]map[string]Handler{},
	}
}

func (r *RequestDispatcher) Register(endpointID, path string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byPath, ok := r.handlers[endpointID]
	if !ok {
		byPath = map[string]Handler{}
		r.handlers[endpointID] = byPath
	}
	byPath[path] = h
}

func (r *RequestDispatcher) Unregister(endpointID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byPath, ok := r.handlers[endpointID]; ok {
		delete(byPath, path)
		if len(byPath) == 0 {
			delete(r.handlers, endpointID)
		}
	}
}

// UnregisterEndpoint drops every handler of one endpoint, used when a
// virtual device closes.
func (r *RequestDispatcher) UnregisterEndpoint(endpointID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, endpointID)
}

// Paths lists the registered handler paths of an endpoint, in no
// particular order. The resources report is built from it.
func (r *RequestDispatcher) Paths(endpointID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var paths []string
	for p := range r.handlers[endpointID] {
		paths = append(paths, p)
	}
	return paths
}

func (r *RequestDispatcher) lookup(endpointID, path string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[endpointID][path]
	return h, ok
}

// Dispatch routes req and always produces a response message.
func (r *RequestDispatcher) Dispatch(req message.Message) (resp message.Message) {
	path := message.RequestURL(req)
	h, ok := r.lookup(req.Destination, path)
	if !ok {
		r.logger.Debug("no handler", "endpoint", req.Destination, "path", path)
		return message.BuildResponse(req, http.StatusNotFound, nil, []byte("Not Found"))
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request handler panicked", "endpoint", req.Destination, "path", path, "panic", p)
			resp = message.BuildResponse(req, http.StatusInternalServerError, nil, []byte(fmt.Sprint(p)))
		}
	}()
	resp = h(req)
	if resp.Type != message.TypeResponse {
		r.logger.Warn("handler returned non-response message", "endpoint", req.Destination, "path", path)
		return message.BuildResponse(req, http.StatusNotFound, nil, []byte("Not Found"))
	}
	return resp
}
