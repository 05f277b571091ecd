package matrix

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxRetryAfter = 2 * time.Minute

type rateLimitPayload struct {
	ErrCode      string `json:"errcode"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// parseRetryAfter reads the cooldown from an M_LIMIT_EXCEEDED body, falling
// back to a Retry-After header given in seconds.
func parseRetryAfter(header http.Header, body []byte) time.Duration {
	var payload rateLimitPayload
	if err := json.Unmarshal(body, &payload); err == nil &&
		payload.ErrCode == "M_LIMIT_EXCEEDED" && payload.RetryAfterMs > 0 {
		return time.Duration(payload.RetryAfterMs) * time.Millisecond
	}

	if raw := strings.TrimSpace(header.Get("Retry-After")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func capRetryAfter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}
