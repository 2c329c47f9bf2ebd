package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/radiusdt/vector-attribution/internal/attribution"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/reporting"
	"github.com/radiusdt/vector-attribution/internal/rollup"
	"go.uber.org/zap"
)

// Dependencies holds the services behind the HTTP API.
type Dependencies struct {
	Ingest      *ingest.Service
	Attribution *attribution.Service
	ROI         *reporting.ROIService
	Health      *reporting.HealthService
	Rollup      *rollup.Aggregator

	// Checks are pinged by the readiness probe.
	Checks map[string]func(context.Context) error

	// RateLimit, when set, adds a per-client limit to the pixel endpoint.
	RateLimit *middleware.RateLimitMiddleware

	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps HTTP handlers and the attribution services.
type Server struct {
	ingest      *ingest.Service
	attribution *attribution.Service
	roi         *reporting.ROIService
	health      *reporting.HealthService
	rollup      *rollup.Aggregator
	checks      map[string]func(context.Context) error
	logger      *zap.Logger
	config      *config.Config
	metrics     *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		ingest:      deps.Ingest,
		attribution: deps.Attribution,
		roi:         deps.ROI,
		health:      deps.Health,
		rollup:      deps.Rollup,
		checks:      deps.Checks,
		logger:      deps.Logger,
		config:      deps.Config,
		metrics:     deps.Metrics,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	mux := http.NewServeMux()

	// Liveness
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	// Ingestion
	mux.HandleFunc("/ingest/touchpoints", s.handleTouchpoints)
	mux.HandleFunc("/ingest/conversions", s.handleConversions)
	mux.HandleFunc("/ingest/metrics/csv", s.handleMetricsCSV)
	var pixel http.Handler = http.HandlerFunc(s.handlePixel)
	if deps.RateLimit != nil {
		pixel = deps.RateLimit.HandlerPerIP(pixel)
	}
	mux.Handle("/ingest/pixel", pixel)

	// Campaigns and attribution
	mux.HandleFunc("/campaigns", s.handleCampaigns)
	mux.HandleFunc("/campaigns/", s.handleCampaignByID)
	mux.HandleFunc("/attribution/", s.handleAttribution)

	// Activity samples
	mux.HandleFunc("/activity/signup", s.handleSignup)
	mux.HandleFunc("/activity/first-campaign", s.handleFirstCampaign)

	// Reporting
	mux.HandleFunc("/reports/campaigns/", s.handleCampaignROI)
	mux.HandleFunc("/reports/daily", s.handleDailyMetrics)

	// Platform health
	mux.HandleFunc("/health/ttfv", s.handleTTFV)
	mux.HandleFunc("/health/completion", s.handleCompletion)
	mux.HandleFunc("/health/errors", s.handleErrorRate)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady pings every backend and answers 503 when any is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("backend", name), zap.Error(err))
			results[name] = err.Error()
			status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	s.jsonStatus(w, code, map[string]interface{}{"status": status, "checks": results})
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.jsonStatus(w, http.StatusOK, data)
}

// jsonStatus encodes before writing the status, so a value that cannot be
// encoded becomes a logged 500 rather than a truncated 200.
func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encode response",
			zap.Int("status", code),
			zap.String("type", fmt.Sprintf("%T", data)),
			zap.Error(err),
		)
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeError maps service errors to status codes. Unexpected errors are logged
// and hidden from the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	var ve *models.ValidationError
	switch {
	case errors.As(err, &tooLarge):
		s.errorResponse(w, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
	case errors.As(err, &ve):
		s.jsonStatus(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case models.IsValidation(err):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrAttributionLocked), errors.Is(err, models.ErrAlreadyExists):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeJSON reads a size-limited JSON body into v. It writes the error
// response itself and reports whether the handler may continue.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(s.limitBody(w, r).Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, err)
			return false
		}
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) limitBody(w http.ResponseWriter, r *http.Request) *http.Request {
	if s.config != nil && s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	return r
}

// pathParts splits what follows prefix into its non-empty segments.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// dayParam parses an optional YYYY-MM-DD query parameter.
func dayParam(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	d, err := models.ParseDay(v)
	if err != nil {
		return time.Time{}, models.NewValidationError(name, fmt.Sprintf("%q is not YYYY-MM-DD", v))
	}
	return d, nil
}

// dateRange reads start and end days. The end day is inclusive, so the
// returned upper bound is the following midnight.
func dateRange(q url.Values) (from, to time.Time, err error) {
	if from, err = dayParam(q, "start"); err != nil {
		return
	}
	var end time.Time
	if end, err = dayParam(q, "end"); err != nil {
		return
	}
	if !end.IsZero() {
		to = end.AddDate(0, 0, 1)
	}
	return
}
