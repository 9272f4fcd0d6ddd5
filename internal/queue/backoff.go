package queue

import "time"

// JitterFraction is the maximum share of a backoff delay added as jitter.
const JitterFraction = 0.1

// Backoff returns the retry delay after the retryCount-th failure:
// base*2^retryCount plus up to 10% jitter. r is a random value in [0, 1).
func Backoff(retryCount int, base time.Duration, r float64) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	delay := base << uint(retryCount)
	return delay + time.Duration(float64(delay)*JitterFraction*r)
}
