package billing

import "time"

var DecodePaddleEvent = decodePaddleEvent

func NewMemoryPendingAt(now func() time.Time) PendingCheckouts {
	return newMemoryPending(now)
}
