package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Category maps a request path to its route group.
func Category(path string) models.RequestCategory {
	seg := strings.Split(strings.Trim(path, "/"), "/")
	switch seg[0] {
	case "ingest":
		return models.CategoryIngest
	case "attribution":
		return models.CategoryAttribution
	case "reports":
		return models.CategoryReporting
	case "health":
		return models.CategoryHealth
	case "activity":
		return models.CategoryAdmin
	case "campaigns":
		if len(seg) >= 3 {
			switch seg[2] {
			case "attribution", "recompute":
				return models.CategoryAttribution
			case "reports":
				return models.CategoryReporting
			}
		}
		return models.CategoryAdmin
	}
	return models.CategoryOther
}

// OutcomeMiddleware records every served request for the error-rate report
// and the HTTP metrics. Liveness probes and metric scrapes are not recorded.
type OutcomeMiddleware struct {
	store   storage.RequestOutcomeStore
	skip    map[string]bool
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOutcomeMiddleware(store storage.RequestOutcomeStore, skipPaths []string, logger *zap.Logger, m *metrics.Metrics) *OutcomeMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return &OutcomeMiddleware{
		store:   store,
		skip:    skip,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

func (o *OutcomeMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if o.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := o.now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)

		category := Category(r.URL.Path)
		o.metrics.RecordHTTPRequest(string(category), strconv.Itoa(rw.status), o.now().Sub(start))

		outcome := models.RequestOutcome{At: start, Category: category, Status: rw.status}
		if err := o.store.Record(context.WithoutCancel(r.Context()), outcome); err != nil {
			o.logger.Warn("failed to record request outcome", zap.Error(err))
		}
	})
}
