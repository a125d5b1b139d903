package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iotdc/internal/message"
)

// Capability URNs of the dispatcher's built-in request handlers.
const (
	MessageDispatcherURN = "urn:oracle:iot:dcd:capability:message_dispatcher"
	DiagnosticsURN       = "urn:oracle:iot:dcd:capability:diagnostics"
	TestMessageFormatURN = DiagnosticsURN + ":test_message"
)

// RegisterCapabilities installs the counters, reset, polling-interval,
// diagnostics and connectivity-test handlers for the activated endpoint,
// then queues the resources report announcing them.
func (d *Dispatcher) RegisterCapabilities(test *ConnectivityTest) {
	ep := d.endpoint.ID()
	dispatcherBase := "deviceModels/" + MessageDispatcherURN + "/"
	diagBase := "deviceModels/" + DiagnosticsURN + "/"

	d.requests.Register(ep, dispatcherBase+"counters", d.countersHandler)
	d.requests.Register(ep, dispatcherBase+"reset", d.resetHandler)
	d.requests.Register(ep, dispatcherBase+"pollingInterval", d.pollingIntervalHandler)
	d.requests.Register(ep, diagBase+"info", d.infoHandler)
	if test != nil {
		d.requests.Register(ep, diagBase+"testConnectivity", test.handler)
	}

	var resources []message.Resource
	for _, p := range d.requests.Paths(ep) {
		resources = append(resources, message.Resource{
			Name:    p,
			Path:    p,
			Methods: []string{"GET", "PUT"},
		})
	}
	report := message.BuildResourcesReport(ep, ep, message.ResourceUpdate, resources)
	if err := d.Queue(report); err != nil {
		d.logger.Error("resources report not queued", "error", err)
	}
}

func jsonResponse(req message.Message, code int, v any) message.Message {
	body, err := json.Marshal(v)
	if err != nil {
		return message.BuildResponse(req, http.StatusInternalServerError, nil, []byte(err.Error()))
	}
	return message.BuildResponse(req, code, map[string]any{"Content-Type": "application/json"}, body)
}

func (d *Dispatcher) countersHandler(req message.Message) message.Message {
	if !strings.EqualFold(message.RequestMethod(req), "GET") {
		return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
	}
	return jsonResponse(req, http.StatusOK, d.counters.Snapshot())
}

func (d *Dispatcher) resetHandler(req message.Message) message.Message {
	if !strings.EqualFold(message.RequestMethod(req), "PUT") {
		return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
	}
	d.counters.Reset()
	return message.BuildResponse(req, http.StatusOK, nil, nil)
}

func (d *Dispatcher) pollingIntervalHandler(req message.Message) message.Message {
	switch strings.ToUpper(message.RequestMethod(req)) {
	case "GET":
		return jsonResponse(req, http.StatusOK, map[string]int64{
			"pollingInterval": d.PollingInterval().Milliseconds(),
		})
	case "PUT":
		var body struct {
			PollingInterval json.Number `json:"pollingInterval"`
		}
		if err := json.Unmarshal(message.RequestBody(req), &body); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		ms, err := strconv.ParseInt(body.PollingInterval.String(), 10, 64)
		if err != nil || ms <= 0 {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte("pollingInterval must be a positive integer"))
		}
		if err := d.SetPollingInterval(time.Duration(ms) * time.Millisecond); err != nil {
			return message.BuildResponse(req, http.StatusBadRequest, nil, []byte(err.Error()))
		}
		return message.BuildResponse(req, http.StatusOK, nil, nil)
	default:
		return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
	}
}

func (d *Dispatcher) infoHandler(req message.Message) message.Message {
	if !strings.EqualFold(message.RequestMethod(req), "GET") {
		return message.BuildResponse(req, http.StatusMethodNotAllowed, nil, nil)
	}
	snapshot := d.counters.Snapshot()
	return jsonResponse(req, http.StatusOK, map[string]any{
		"startTime":      snapshot["loadTime"],
		"version":        "Unknown",
		"fixedIPAddress": "Unknown",
		"macAddress":     "Unknown",
		"totalDiskSpace": "Unknown",
		"freeDiskSpace":  "Unknown",
	})
}
