package manifest

import "time"

// Read kinds reported in observations.
const (
	ReadKindManifest = "manifest"
	ReadKindPayload  = "payload"
)

// ReadObservation describes one completed read, successful or not.
type ReadObservation struct {
	Kind      string
	Location  string
	Attempts  int
	Bytes     int
	Duration  time.Duration
	Success   bool
	ErrorCode string
}

// RetryObservation describes one retry scheduled after a retryable failure.
type RetryObservation struct {
	Kind      string
	Location  string
	Attempt   int
	Backoff   time.Duration
	ErrorCode string
}

// ReadObserver receives read and retry observations from a Repository.
// Implementations must be safe for concurrent use.
type ReadObserver interface {
	ObserveRead(ReadObservation)
	ObserveRetry(RetryObservation)
}
