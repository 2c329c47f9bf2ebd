package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// ---- Campaign Management ----

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var c models.Campaign
	if !s.decodeJSON(w, r, &c) {
		return
	}
	if err := s.attribution.CreateCampaign(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, c)
}

// handleCampaignByID serves /campaigns/{id} and its sub-resources.
func (s *Server) handleCampaignByID(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/campaigns/")
	switch {
	case len(parts) == 1:
		s.handleGetCampaign(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "attribution":
		s.handleUpdateAttribution(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "recompute":
		s.handleRecompute(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reports":
		s.handleGenerateReport(w, r, parts[0])
	default:
		s.errorResponse(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c, err := s.attribution.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, c)
}

type attributionUpdateResponse struct {
	Campaign  *models.Campaign              `json:"campaign"`
	Recompute *attribution.RecomputeSummary `json:"recompute,omitempty"`
}

// handleUpdateAttribution changes the attribution settings. Once results
// exist the change needs ?recompute=true.
func (s *Server) handleUpdateAttribution(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recompute := false
	if v := r.URL.Query().Get("recompute"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, models.NewValidationError("recompute", "must be true or false"))
			return
		}
		recompute = b
	}

	var cfg models.AttributionConfig
	if !s.decodeJSON(w, r, &cfg) {
		return
	}

	summary, err := s.attribution.UpdateAttributionConfig(r.Context(), id, cfg, recompute)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.attribution.GetCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, attributionUpdateResponse{Campaign: c, Recompute: summary})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.attribution.RecomputeCampaign(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, summary)
}

// handleGenerateReport records that a report was produced for the campaign,
// which counts it as completed.
func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.attribution.GetCampaign(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.health.RecordReport(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, rep)
}

// ---- Attribution Lookup ----

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/attribution/")
	if len(parts) != 1 {
		s.errorResponse(w, "conversion_id required", http.StatusBadRequest)
		return
	}
	set, err := s.attribution.GetAttribution(r.Context(), parts[0])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, set)
}

// ---- Activity ----

type signupRequest struct {
	UserID     string    `json:"user_id"`
	SignedUpAt time.Time `json:"signed_up_at"`
}

type firstCampaignRequest struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signupRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.health.RecordSignup(r.Context(), req.UserID, req.SignedUpAt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFirstCampaign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req firstCampaignRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.health.RecordFirstCampaign(r.Context(), req.UserID, req.CreatedAt); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
