package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/stellar-lineage/internal/types"
)

// lineageVars reads the network and address path variables
func lineageVars(r *http.Request) (types.Network, string, error) {
	vars := mux.Vars(r)
	network, err := parseNetwork(vars["network"])
	if err != nil {
		return "", "", err
	}
	return network, vars["address"], nil
}

// handleGetLineage handles GET /api/lineage/{network}/{address}
func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	network, address, err := lineageVars(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	entry, err := s.lineageService.GetLineage(r.Context(), address, network)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// handleGetTree handles GET /api/lineage/{network}/{address}/tree
func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	network, address, err := lineageVars(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	result, err := s.lineageService.GetTree(r.Context(), address, network)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleGetStages handles GET /api/lineage/{network}/{address}/stages
func (s *Server) handleGetStages(w http.ResponseWriter, r *http.Request) {
	network, address, err := lineageVars(r)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	records, err := s.lineageService.GetStages(r.Context(), address, network)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account": address,
		"network": network,
		"stages":  records,
	})
}

// handleCronHealth handles GET /api/health/crons
func (s *Server) handleCronHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.healthReporter.Report(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	healthy := true
	for _, st := range report {
		if !st.Status.IsHealthy() {
			healthy = false
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"healthy": healthy,
		"stages":  report,
	})
}
