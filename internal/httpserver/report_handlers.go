package httpserver

import (
	"net/http"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// ---- Reporting ----

// handleCampaignROI serves /reports/campaigns/{id}/roi.
func (s *Server) handleCampaignROI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := pathParts(r.URL.Path, "/reports/campaigns/")
	if len(parts) != 2 || parts[1] != "roi" {
		s.errorResponse(w, "not found", http.StatusNotFound)
		return
	}

	start, end, err := dateRange(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	roi, err := s.roi.CampaignROI(r.Context(), parts[0], start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, roi)
}

func (s *Server) handleDailyMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if q.Get("day") == "" {
		s.writeError(w, r, models.NewValidationError("day", "is required"))
		return
	}
	day, err := dayParam(q, "day")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.rollup.List(r.Context(), models.DailyMetricFilter{
		Day:       models.DayOf(day),
		EpisodeID: q.Get("episode_id"),
		Source:    q.Get("source"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.DailyMetric{}
	}
	s.jsonResponse(w, rows)
}

// ---- Platform Health ----

func (s *Server) handleTTFV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	from, to, err := dateRange(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.health.TTFV(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	for _, name := range []string{"start", "end"} {
		if q.Get(name) == "" {
			s.writeError(w, r, models.NewValidationError(name, "is required"))
			return
		}
	}
	from, to, err := dateRange(q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.health.Completion(r.Context(), from, to)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, report)
}

func (s *Server) handleErrorRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	window := s.config.Health.ErrorWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.writeError(w, r, models.NewValidationError("window", "must be a duration such as 15m"))
			return
		}
		window = d
	}
	report, err := s.health.ErrorRate(r.Context(), window)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, report)
}
