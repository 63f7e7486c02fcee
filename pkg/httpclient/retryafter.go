package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter extracts the Retry-After header value relative to now.
// Supports both seconds (integer) and HTTP-date formats.
// Returns 0 if the header is missing, invalid or in the past.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	header := strings.TrimSpace(h.Get("Retry-After"))
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if retryTime, err := http.ParseTime(header); err == nil {
		if delay := retryTime.Sub(now); delay > 0 {
			return delay
		}
	}
	return 0
}
