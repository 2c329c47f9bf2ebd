package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns handler panics into 500 responses.
type RecoveryMiddleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRecoveryMiddleware(logger *zap.Logger, m *metrics.Metrics) *RecoveryMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryMiddleware{logger: logger, metrics: m}
}

// Handler recovers panics below it. Middlewares wrapping it observe the 500;
// those inside it are unwound by the panic. A panic after the handler already
// wrote its status only gets logged.
func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrap(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			category := Category(r.URL.Path)
			rm.metrics.RecordPanic(string(category))
			rm.logger.Error("handler panic",
				zap.Any("panic", v),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("category", string(category)),
				zap.Bool("response_started", rw.wroteHeader),
				zap.ByteString("stack", debug.Stack()),
			)
			if rw.wroteHeader {
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusInternalServerError)
			rw.Write([]byte(`{"error":"internal server error"}`))
		}()

		next.ServeHTTP(rw, r)
	})
}
