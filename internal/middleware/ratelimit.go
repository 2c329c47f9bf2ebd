package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware keeps two global token buckets, one for /ingest/ and
// one for everything else, plus per-client buckets for the pixel route.
type RateLimitMiddleware struct {
	enabled bool
	ingest  *rate.Limiter
	api     *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *zap.Logger, m *metrics.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	// A single client gets a tenth of the ingest budget.
	burst := cfg.IngestBurst / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimitMiddleware{
		enabled:    cfg.Enabled,
		ingest:     rate.NewLimiter(rate.Limit(cfg.IngestRPS), cfg.IngestBurst),
		api:        rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		perIPRate:  rate.Limit(cfg.IngestRPS / 10),
		perIPBurst: burst,
		logger:     logger,
		metrics:    m,
		clients:    make(map[string]*clientBucket),
	}
}

func (rl *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, lim := "api", rl.api
		if strings.HasPrefix(r.URL.Path, "/ingest/") {
			bucket, lim = "ingest", rl.ingest
		}
		if !lim.Allow() {
			rl.reject(w, r, bucket)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandlerPerIP limits each client address separately. It guards the
// unauthenticated pixel endpoint.
func (rl *RateLimitMiddleware) HandlerPerIP(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.clientLimiter(ClientIP(r), time.Now()).Allow() {
			rl.reject(w, r, "ip")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) clientLimiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.clients[ip]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(rl.perIPRate, rl.perIPBurst)}
		rl.clients[ip] = b
	}
	b.lastSeen = now
	return b.lim
}

// PruneIdle forgets clients not seen within idle and returns how many were
// dropped. A forgotten client starts again with a full bucket.
func (rl *RateLimitMiddleware) PruneIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for ip, b := range rl.clients {
		if !b.lastSeen.After(cutoff) {
			delete(rl.clients, ip)
			n++
		}
	}
	if n > 0 {
		rl.logger.Debug("pruned idle client limiters", zap.Int("dropped", n), zap.Int("remaining", len(rl.clients)))
	}
	return n
}

func (rl *RateLimitMiddleware) reject(w http.ResponseWriter, r *http.Request, bucket string) {
	rl.metrics.RecordRateLimitHit(bucket)
	rl.logger.Warn("rate limited",
		zap.String("bucket", bucket),
		zap.String("path", r.URL.Path),
		zap.String("client_ip", ClientIP(r)),
	)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

// ClientIP is the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
