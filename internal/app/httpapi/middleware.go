package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// statusRecorder captures the response code for the audit trail.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// wrapWithAuth enforces bearer-token auth and requires the account header on
// every request. An empty token set disables the token check.
func wrapWithAuth(next http.Handler, tokens []string) http.Handler {
	allowed := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = struct{}{}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(allowed) > 0 {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[strings.TrimSpace(token)]; !ok {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}
		if caller(r) == "" {
			http.Error(w, "missing "+accountHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wrapWithThrottle applies a per-client token bucket keyed by account, falling
// back to the remote address before auth has identified one.
func wrapWithThrottle(next http.Handler, rps float64, burst int) http.Handler {
	if burst <= 0 {
		burst = 1
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[key]
		if !ok {
			l = rate.NewLimiter(rate.Limit(rps), burst)
			limiters[key] = l
		}
		return l
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := caller(r)
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}
		if !limiterFor(key).Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wrapWithAudit records every request with a generated request id and the
// block height after the request settled, so write entries carry the height
// their block committed at. The id is echoed in the X-Request-ID response
// header.
func wrapWithAudit(next http.Handler, audit *auditLog, height func() uint64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		audit.add(auditEntry{
			Time:        time.Now().UTC(),
			RequestID:   requestID,
			Account:     caller(r),
			Path:        r.URL.Path,
			Method:      r.Method,
			Status:      rec.status,
			BlockHeight: height(),
			RemoteAddr:  r.RemoteAddr,
			UserAgent:   r.UserAgent(),
		})
	})
}
