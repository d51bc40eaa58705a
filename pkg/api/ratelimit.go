package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleEviction is how long a client may stay quiet before its
// limiter state is dropped.
const limiterIdleEviction = 10 * time.Minute

// rateLimitMiddleware enforces a per-client request budget, keyed by
// IP. The per-minute budget doubles as the burst size. Idle entries
// are evicted opportunistically during lookups so the map stays
// bounded without a background goroutine.
func (s *server) rateLimitMiddleware(
	requestsPerMinute int,
) func(http.Handler) http.Handler {
	type client struct {
		lim      *rate.Limiter
		lastSeen time.Time
	}

	perSecond := rate.Limit(float64(requestsPerMinute) / 60)

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
		nextGC  = time.Now().Add(limiterIdleEviction)
	)

	allow := func(ip string) bool {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()

		if now.After(nextGC) {
			for key, c := range clients {
				if now.Sub(c.lastSeen) > limiterIdleEviction {
					delete(clients, key)
				}
			}

			nextGC = now.Add(limiterIdleEviction)
		}

		c, ok := clients[ip]
		if !ok {
			c = &client{lim: rate.NewLimiter(perSecond, requestsPerMinute)}
			clients[ip] = c
		}

		c.lastSeen = now

		return c.lim.Allow()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !allow(clientIP(r)) {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{
					Error: "rate limit exceeded",
					Code:  codeRateLimited,
				})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP resolves the caller address, honouring the first hop of an
// X-Forwarded-For chain when a proxy fronts the service.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}

		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
