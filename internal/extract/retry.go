package extract

import (
	"errors"
	"math/rand/v2"
	"time"
)

// MaxRetries is the number of attempts per field extraction.
const MaxRetries = 3

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// IsRetryable reports whether err, or anything it wraps, is a
// *RetryableError: rate limits, overload and 5xx answers from the API.
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// Backoff is the wait before retry attempt n (0-indexed): doubling from one
// second, capped at thirty, plus up to half again of jitter.
func Backoff(attempt int) time.Duration {
	wait := backoffCap
	if attempt < 5 {
		wait = min(backoffBase<<attempt, backoffCap)
	}
	return wait + time.Duration(rand.Int64N(int64(wait)/2+1))
}
