package matrix

import (
	"sync"
	"time"

	"github.com/shawkym/roombot/pkg/ratelimit"
)

// limiterRegistry shares one limiter per homeserver, so a Retry-After seen by
// any session delays every session talking to that server.
var limiterRegistry sync.Map

func limiterFor(baseURL string, rate float64, burst int) *ratelimit.Limiter {
	key := cleanBaseURL(baseURL)
	if existing, ok := limiterRegistry.Load(key); ok {
		limiter := existing.(*ratelimit.Limiter)
		limiter.SetRate(rate)
		limiter.SetBurst(burst)
		return limiter
	}

	actual, _ := limiterRegistry.LoadOrStore(key, ratelimit.NewLimiter(rate, burst))
	return actual.(*ratelimit.Limiter)
}

// NewHomeserverClient is NewClient with the homeserver's shared limiter
// attached. rate <= 0 only honors Retry-After; burst <= 0 means 1.
func NewHomeserverClient(baseURL, accessToken string, timeout time.Duration, rate float64, burst int) *Client {
	if burst <= 0 {
		burst = 1
	}
	client := NewClient(baseURL, accessToken, timeout)
	client.SetLimiter(limiterFor(baseURL, rate, burst))
	return client
}
