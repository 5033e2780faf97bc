package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter bounds request rates per client key.
type ClientLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter keeps one token bucket per client in process memory. Good
// for single-replica deployments; multi-replica ones want RedisLimiter.
type LocalLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rps     rate.Limit
	burst   int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter creates a limiter allowing rps requests per second with
// the given burst per client.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	l := &LocalLimiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go l.evictStale()
	return l
}

// Allow never returns an error; the signature exists for the Redis twin.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	lim := c.limiter
	l.mu.Unlock()
	return lim.Allow(), nil
}

// evictStale drops clients idle for three minutes so the map cannot grow
// without bound. Checks once a minute.
func (l *LocalLimiter) evictStale() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, c := range l.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(l.clients, key)
			}
		}
		l.mu.Unlock()
	}
}

// RateLimit rejects clients above their request budget with a 429. A nil
// limiter disables the middleware. Limiter faults fail open.
func RateLimit(l ClientLimiter, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), clientIP(r))
			if err != nil {
				log.Warn("rate limiter unavailable, admitting request", "error", err)
				ok = true
			}
			if !ok {
				WriteRateLimited(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
