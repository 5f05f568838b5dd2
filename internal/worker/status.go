package worker

import (
	"encoding/json"
	"net/http"

	"github.com/stellar-lineage/internal/circuitbreaker"
)

// StatusReport is served on the worker's /jobs endpoint
type StatusReport struct {
	Jobs     []JobStatus                      `json:"jobs"`
	Breakers map[string]*circuitbreaker.Stats `json:"breakers"`
}

// StatusHandler serves the scheduler's job status and the upstream circuit
// breaker stats. breakers may be nil.
func StatusHandler(s *Scheduler, breakers *circuitbreaker.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		report := StatusReport{
			Jobs:     s.Status(),
			Breakers: map[string]*circuitbreaker.Stats{},
		}
		if breakers != nil {
			report.Breakers = breakers.GetAllStats()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
}
