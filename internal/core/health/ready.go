package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessReporter is implemented by components that gate traffic: the
// import worker reports its assigned partitions, the mirror its Redis ping.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type readinessBody struct {
	Status     string  `json:"status"`
	Partitions []int32 `json:"partitions,omitempty"`
}

// Readiness answers 200 with the owned partitions, or 503 while not ready.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready, parts := rr.Readiness()
		code, body := http.StatusOK, readinessBody{Status: "ready", Partitions: parts}
		if !ready {
			code, body = http.StatusServiceUnavailable, readinessBody{Status: "not_ready"}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
