package httpapi

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// limiterSet hands out a token-bucket limiter per key, creating one lazily
// on first use. Keys are session-id-first, IP-fallback, so one IP can't
// exhaust a shared session's budget.
type limiterSet struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(rps float64, burst int) *limiterSet {
	return &limiterSet{rps: rps, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rps), s.burst)
		s.limiters[key] = l
	}
	return l
}

func requestKey(r *http.Request) string {
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return "session:" + sid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// rateLimitMiddleware enforces per-session/per-IP caps, returning 429 on
// rejection.
func rateLimitMiddleware(sessions, ips *limiterSet, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := requestKey(r)
		var limiter *rate.Limiter
		if sid := r.URL.Query().Get("sessionId"); sid != "" {
			limiter = sessions.get(sid)
		} else {
			limiter = ips.get(key)
		}

		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
