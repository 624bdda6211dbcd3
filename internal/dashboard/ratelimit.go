package dashboard

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/udaykr117/queuectl/internal/telemetry"
)

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limiters sync.Map // map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{rate: rate.Limit(perSecond), burst: burst}
}

func (l *clientLimiter) Allow(key string) bool {
	if v, ok := l.limiters.Load(key); ok {
		return v.(*rate.Limiter).Allow()
	}
	v, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.rate, l.burst))
	return v.(*rate.Limiter).Allow()
}

// Middleware rejects requests once the client's bucket is empty, with 429.
func (l *clientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientKey(r)) {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
