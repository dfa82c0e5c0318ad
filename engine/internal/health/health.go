package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
	"github.com/llmariner/hemoseg/engine/internal/provisioner"
)

// NewProbeHandler returns a new ProbeHandler.
func NewProbeHandler(logger logr.Logger) *ProbeHandler {
	return &ProbeHandler{
		logger: logger.WithName("health"),
	}
}

type probe interface {
	IsReady() (bool, string)
}

type namedProbe struct {
	name string
	p    probe
}

// ProbeHandler serves the readiness endpoint. The process is ready to take
// uploads only when every registered component (the model provisioner in
// practice) reports ready.
type ProbeHandler struct {
	probes []namedProbe
	logger logr.Logger
}

// AddProbe registers a component under the name used in the probe response.
func (h *ProbeHandler) AddProbe(name string, p probe) {
	h.probes = append(h.probes, namedProbe{name: name, p: p})
}

// ProbeHandler responds with "ok", or with 503 and one "<name>: <reason>"
// line per component that is not ready.
func (h *ProbeHandler) ProbeHandler(resp http.ResponseWriter, _ *http.Request) {
	var notReady []string
	for _, np := range h.probes {
		ready, reason := np.p.IsReady()
		if ready {
			continue
		}
		notReady = append(notReady, fmt.Sprintf("%s: %s", np.name, reason))
	}

	if len(notReady) > 0 {
		resp.Header().Set("Retry-After", "30")
		http.Error(resp, strings.Join(notReady, "\n"), http.StatusServiceUnavailable)
		return
	}

	if _, err := fmt.Fprint(resp, "ok"); err != nil {
		h.logger.Error(err, "Failed to write probe response")
	}
}

type statusSource interface {
	Status() provisioner.Status
}

// Response is the body of the health endpoint.
type Response struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// NewStatusHandler returns a handler that reports process liveness together
// with the model provisioning state. It always responds with 200.
func NewStatusHandler(src statusSource, logger logr.Logger) http.HandlerFunc {
	logger = logger.WithName("health")
	return func(resp http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		r := Response{
			Status: "ok",
			Ready:  st.State == provisioner.StateReady,
			State:  st.State.String(),
			Reason: st.Reason,
		}
		resp.Header().Set("Content-Type", "application/json")
		resp.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(resp).Encode(&r); err != nil {
			logger.Error(err, "Failed to write health response")
		}
	}
}
