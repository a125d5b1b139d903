package device

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"iotdc/internal/message"
	"iotdc/internal/model"
)

// Action is a handle on one invokable model operation. The cloud triggers
// it with a POST request; the argument is type- and range-checked before
// the registered handler runs.
type Action struct {
	vd   *VirtualDevice
	spec *model.Action

	mu        sync.Mutex
	onExecute func(arg any) error
}

func (a *Action) Name() string { return a.spec.Name }

// OnExecute registers the handler. Without one, invocations answer 404.
func (a *Action) OnExecute(fn func(arg any) error) {
	a.mu.Lock()
	a.onExecute = fn
	a.mu.Unlock()
}

// checkArg validates the request argument against the declared argument
// type and range. Actions without an argument type ignore the body.
func (a *Action) checkArg(body []byte) (any, error) {
	if a.spec.ArgType == "" {
		return nil, nil
	}
	var wrapper struct {
		Value any `json:"value"`
	}
	var arg any
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Value != nil {
		arg = wrapper.Value
	} else if err := json.Unmarshal(body, &arg); err != nil {
		return nil, fmt.Errorf("device: action %q: malformed argument", a.spec.Name)
	}
	norm, err := normalizeValue(a.spec.ArgType, arg)
	if err != nil {
		return nil, fmt.Errorf("device: action %q: %w", a.spec.Name, err)
	}
	if a.spec.Range != "" {
		if low, high, ok := model.ParseRange(a.spec.Range); ok {
			if n, isNum := asFloat(norm); isNum && (n < low || n > high) {
				return nil, fmt.Errorf("device: action %q: argument %v outside range %s", a.spec.Name, arg, a.spec.Range)
			}
		}
	}
	return norm, nil
}

func (a *Action) execute(req message.Message) message.Message {
	a.mu.Lock()
	fn := a.onExecute
	a.mu.Unlock()
	if fn == nil {
		return message.BuildResponse(req, http.StatusNotFound, nil, []byte("Not Found"))
	}
	arg, err := a.checkArg(message.RequestBody(req))
	if err != nil {
		return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
	}
	if err := fn(arg); err != nil {
		return message.BuildResponse(req, http.StatusInternalServerError, nil, []byte(err.Error()))
	}
	return message.BuildResponse(req, http.StatusOK, nil, nil)
}
