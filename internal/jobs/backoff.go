package jobs

import (
	"math"
	"time"
)

// maxAttempts bounds how many times a job runs: its maxAttempts-th failure
// drops it permanently, regardless of backoff policy.
const maxAttempts = 12

// backoff returns how long to wait before retrying a job of kind after its
// attempt-th failure (attempt is 1-based: the first failure is attempt 1).
func backoff(kind string, attempt int) time.Duration {
	switch kind {
	case KindDeliver:
		// Exponential base 8: 8s, 64s, 512s, ... tolerates peer downtime
		// of many hours before giving up.
		return time.Duration(8*math.Pow(8, float64(attempt-1))) * time.Second
	case KindRecordLastOnline:
		// Linear-1: 1s, 2s, 3s, ...
		return time.Duration(attempt) * time.Second
	default:
		return 60 * time.Second
	}
}
