package httpapi

import (
	"encoding/json"
	"net/http"

	"llmready/internal/plans"

	"github.com/go-chi/chi/v5"
)

type planResponse struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	MonthlyPrice     int64  `json:"monthly_price_cents"`
	YearlyPrice      int64  `json:"yearly_price_cents"`
	GenerationQuota  int    `json:"generations_per_month"`
	WebsiteQuota     int    `json:"websites_limit"`
	PagesPerWebsite  int    `json:"pages_per_website"`
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	tiers := plans.All()
	out := make([]planResponse, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, planResponse{
			ID:               t.ID,
			Name:             t.Name,
			MonthlyPrice:     t.MonthlyPriceCents,
			YearlyPrice:      t.YearlyPriceCents,
			GenerationQuota:  t.GenerationQuota,
			WebsiteQuota:     t.WebsiteQuota,
			PagesPerWebsite:  t.PagesPerWebsite,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type generationStartResponse struct {
	GenerationID         int64  `json:"generation_id"`
	Status               string `json:"status"`
	GenerationsUsed      int    `json:"generations_used"`
	GenerationsRemaining int    `json:"generations_remaining"`
	InGracePeriod        bool   `json:"in_grace_period"`
}

// handleStartGeneration is called by the generation pipeline before it
// starts work for the user. The returned id is reported back through
// handleFinishGeneration.
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	userID := getUserIDFromContext(r.Context())
	d, err := s.svc.CheckGenerationQuota(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	if !d.Allowed {
		respondJSON(w, http.StatusPaymentRequired, d)
		return
	}
	gen, sub, err := s.svc.StartGeneration(r.Context(), userID)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, generationStartResponse{
		GenerationID:         gen.ID,
		Status:               gen.Status,
		GenerationsUsed:      sub.GenerationsUsed,
		GenerationsRemaining: sub.RemainingGenerations(),
		InGracePeriod:        d.InGracePeriod,
	})
}

type finishGenerationRequest struct {
	Success bool `json:"success"`
}

func (s *Server) handleFinishGeneration(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	var req finishGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	gen, err := s.svc.FinishGeneration(r.Context(), getUserIDFromContext(r.Context()), id, req.Success)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, gen)
}

type websiteUsageResponse struct {
	WebsitesUsed  int `json:"websites_used"`
	WebsitesLimit int `json:"websites_limit"`
}

func (s *Server) handleAddWebsite(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.AddWebsite(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, websiteUsageResponse{WebsitesUsed: sub.WebsitesUsed, WebsitesLimit: sub.WebsitesLimit})
}

func (s *Server) handleRemoveWebsite(w http.ResponseWriter, r *http.Request) {
	sub, err := s.svc.RemoveWebsite(r.Context(), getUserIDFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, websiteUsageResponse{WebsitesUsed: sub.WebsitesUsed, WebsitesLimit: sub.WebsitesLimit})
}
