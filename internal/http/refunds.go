package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

func (s *Server) handleCalculateRefund(w http.ResponseWriter, r *http.Request) {
	calc, err := s.refunds.CalculateRefund(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, calc)
}

type cancelRequest struct {
	Reason                 string `json:"reason"`
	AcknowledgeUsageCharge bool   `json:"acknowledge_usage_charge"`
}

func (s *Server) handleCancelWithRefund(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.refunds.ProcessRefund(r.Context(), getUserIDFromContext(r.Context()), req.Reason, req.AcknowledgeUsageCharge)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
