package dispatch

import (
	"encoding/base64"
	"net/http"
	"testing"

	"iotdc/internal/message"
)

func buildRequest(endpoint, method, path string, body []byte) message.Message {
	payload := map[string]any{"method": method, "url": path}
	if body != nil {
		payload["body"] = base64.StdEncoding.EncodeToString(body)
	}
	return message.NewBuilder().
		Source("server").
		Destination(endpoint).
		Type(message.TypeRequest).
		Payload(payload).
		Build()
}

func statusOf(t *testing.T, resp message.Message) int {
	t.Helper()
	if resp.Type != message.TypeResponse {
		t.Fatalf("message type %q, want RESPONSE", resp.Type)
	}
	code, ok := resp.Payload["statusCode"].(int)
	if !ok {
		f, okf := resp.Payload["statusCode"].(float64)
		if !okf {
			t.Fatalf("statusCode missing: %v", resp.Payload)
		}
		code = int(f)
	}
	return code
}

func TestDispatchRoutesToHandler(t *testing.T) {
	r := NewRequestDispatcher(nil)
	r.Register("ep1", "attributes/temp", func(req message.Message) message.Message {
		return message.BuildResponse(req, http.StatusOK, nil, []byte("42"))
	})
	resp := r.Dispatch(buildRequest("ep1", "GET", "attributes/temp", nil))
	if got := statusOf(t, resp); got != http.StatusOK {
		t.Fatalf("status %d, want 200", got)
	}
}

func TestDispatchUnknownPathIs404(t *testing.T) {
	r := NewRequestDispatcher(nil)
	resp := r.Dispatch(buildRequest("ep1", "GET", "no/such/path", nil))
	if got := statusOf(t, resp); got != http.StatusNotFound {
		t.Fatalf("status %d, want 404", got)
	}
}

func TestDispatchUnknownEndpointIs404(t *testing.T) {
	r := NewRequestDispatcher(nil)
	r.Register("ep1", "attributes/temp", func(req message.Message) message.Message {
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	})
	resp := r.Dispatch(buildRequest("ep2", "GET", "attributes/temp", nil))
	if got := statusOf(t, resp); got != http.StatusNotFound {
		t.Fatalf("status %d, want 404", got)
	}
}

func TestDispatchPanickingHandlerIs500(t *testing.T) {
	r := NewRequestDispatcher(nil)
	r.Register("ep1", "boom", func(message.Message) message.Message {
		panic("kaboom")
	})
	resp := r.Dispatch(buildRequest("ep1", "POST", "boom", nil))
	if got := statusOf(t, resp); got != http.StatusInternalServerError {
		t.Fatalf("status %d, want 500", got)
	}
}

func TestUnregisterRestores404(t *testing.T) {
	r := NewRequestDispatcher(nil)
	r.Register("ep1", "attributes/temp", func(req message.Message) message.Message {
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	})
	r.Unregister("ep1", "attributes/temp")
	resp := r.Dispatch(buildRequest("ep1", "GET", "attributes/temp", nil))
	if got := statusOf(t, resp); got != http.StatusNotFound {
		t.Fatalf("status %d, want 404", got)
	}
}
