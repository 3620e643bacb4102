package okx

import "time"

// Backoff decides how long to wait before reconnect attempt n (zero based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt.
type FixedBackoff time.Duration

func (b FixedBackoff) Next(int) time.Duration {
	return time.Duration(b)
}
