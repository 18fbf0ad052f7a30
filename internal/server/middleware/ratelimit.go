package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterIdleTTL       = 30 * time.Minute
)

// KeyFunc picks the bucket a request is counted against. Requests without a
// key are not limited.
type KeyFunc func(r *http.Request) (string, bool)

type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimit applies a token bucket per key. Stale entries are swept every 10
// minutes until ctx is done.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int, key KeyFunc) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		limiters = make(map[string]*keyedLimiter)
	)

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				cutoff := time.Now().Add(-limiterIdleTTL)
				for k, kl := range limiters {
					if kl.lastAccess.Before(cutoff) {
						delete(limiters, k)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	limiterFor := func(k string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		kl, ok := limiters[k]
		if !ok {
			kl = &keyedLimiter{
				limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
			}
			limiters[k] = kl
		}
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			if !limiterFor(k).Allow() {
				w.Header().Set("Content-Type", "application/problem+json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP limits per client address. Mount after chi's RealIP so that
// proxied clients are told apart.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	return RateLimit(ctx, requestsPerSecond, burst, ClientIP)
}

// ClientIP keys a request by its remote host, without the port.
func ClientIP(r *http.Request) (string, bool) {
	if r.RemoteAddr == "" {
		return "", false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP stores a bare address.
		return r.RemoteAddr, true
	}
	return host, true
}
