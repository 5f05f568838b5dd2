package api

import (
	"net/http"
	"strings"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/types"
)

// SearchRequest is the body of POST /api/search
type SearchRequest struct {
	Address string `json:"address"`
	Network string `json:"network,omitempty"` // defaults to public
}

// handleSearch handles POST /api/search. New accounts are accepted with 202;
// known accounts return their cached lineage with 200.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	network := types.NetworkPublic
	if req.Network != "" {
		n, err := parseNetwork(req.Network)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		network = n
	}

	result, err := s.searchService.Search(r.Context(), strings.TrimSpace(req.Address), network)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Status != types.StatusDoneMakeParentLineage && len(result.Lineage) == 0 {
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func parseNetwork(raw string) (types.Network, error) {
	n, err := types.ParseNetwork(raw)
	if err != nil {
		return "", apperrors.NewInvalidParameterError("network", err.Error())
	}
	return n, nil
}
