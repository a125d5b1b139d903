// Package transport carries request/response exchanges between the device
// and the cloud over either HTTPS with bearer authentication or MQTT topic
// pairs. Both adapters present the same contract so the layers above never
// branch on the wire protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RequestOptions shapes one exchange. Path is relative to the server's API
// root and may carry a query string. Timeout overrides the adapter default
// for this request only; long polls use it to outlive the normal budget.
type RequestOptions struct {
	Method  string
	Path    string
	Headers map[string]string
	Timeout time.Duration
}

// Adapter is the uniform exchange contract implemented by the HTTPS and
// MQTT transports.
type Adapter interface {
	Request(ctx context.Context, opts RequestOptions, payload []byte) ([]byte, error)
	Close() error
}

// StatusError carries a non-2xx response so callers can branch on the code
// and inspect the body the server sent with it.
type StatusError struct {
	Code   int
	Status string
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s (%s)", e.Status, truncate(e.Body, 256))
}

// StatusCode extracts the HTTP-equivalent code from err, or 0 when err is
// not a status error.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// ErrExchangeInFlight means a second request targeted a response topic that
// already has an outstanding exchange. The runtime serializes exchanges per
// device, so hitting this indicates a caller bypassing the dispatcher.
var ErrExchangeInFlight = errors.New("transport: exchange already in flight")

// ErrDisconnected fails pending exchanges when the underlying connection
// drops.
var ErrDisconnected = errors.New("transport: connection lost")

// MinAcceptBytesKey is the JSON key both adapters use to surface the
// server's minimum acceptable receive-buffer size, normalizing the HTTPS
// response header and the MQTT error payload into one shape.
const MinAcceptBytesKey = "x-min-acceptbytes"

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
