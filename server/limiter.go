package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitorIdleTTL is how long a client's limiter is kept after its last
// request.
const visitorIdleTTL = 3 * time.Minute

// visitorLimiter holds one token bucket per client IP. Idle buckets are
// pruned lazily while serving, at most once per minute.
type visitorLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu         sync.Mutex
	visitors   map[string]*visitor
	lastPruned time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newVisitorLimiter(perSecond float64, burst int) *visitorLimiter {
	return &visitorLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// reserve takes a token for ip. When none is available it returns how long
// the client should wait and consumes nothing.
func (l *visitorLimiter) reserve(ip string) (time.Duration, bool) {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastPruned) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastPruned = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return 0, false
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d, false
	}
	return 0, true
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// throttle applies the verification rate limit, if one is configured.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, ok := s.limiter.reserve(clientIP(r))
		if !ok {
			retry := 1
			if wait > 0 {
				retry = int(math.Ceil(wait.Seconds()))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			s.log.InfoContext(r.Context(), "verify.throttled", slog.Int("retry_after", retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{
					"code":    "RATE_LIMITED",
					"message": "too many verification attempts; retry later",
					"context": map[string]any{"retryAfterSeconds": retry},
				},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
