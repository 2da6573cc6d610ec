package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"evote-backend/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

type key int

const requestIDKey key = 0

var promRequests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "evote_http_request_duration_seconds",
	Help: "duration of the HTTP requests",
}, []string{"code"})

func init() {
	metrics.PromCollectors = append(metrics.PromCollectors, promRequests)
}

// statusRecorder remembers the status written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// tracing tags every request with an identifier, taken from the request
// header when present, and logs the request once served.
func tracing(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(headerRequestID)
			if id == "" {
				id = xid.New().String()
			}

			w.Header().Set(headerRequestID, id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				promRequests.WithLabelValues(strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

				logger.Info().Str("requestID", id).
					Str("method", r.Method).
					Str("url", r.URL.Path).
					Int("status", rec.status).
					Dur("elapsed", elapsed).
					Str("remoteAddr", r.RemoteAddr).
					Str("agent", r.UserAgent()).Msg("")
			}()

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func requestID(r *http.Request) string {
	id, ok := r.Context().Value(requestIDKey).(string)
	if !ok {
		return "unknown"
	}
	return id
}
