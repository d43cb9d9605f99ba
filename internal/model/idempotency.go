package model

import "time"

// IdempotencyRecord is a cached response for a replayed X-Idempotency-Key.
type IdempotencyRecord struct {
	Status     int
	Body       []byte
	CreatedAt  time.Time
	Processing bool // a request holding the key is still running
}
