package consumer

import (
	"errors"
	"fmt"

	"github.com/fundlift/indexer/internal/store"
)

// ErrContributionNotFound indicates a refund referenced a (campaign, donor)
// pair with no contribution row. Usually the donation message is still in
// flight, so the error is retried before dead-lettering.
var ErrContributionNotFound = errors.New("contribution not found")

// InvariantError marks a state update that would violate the status lattice
// or produce a negative amount. Such messages are never retried: they go
// straight to the dead-letter queue.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Msg
}

func invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether the error is an invariant violation.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// isRetryable reports whether the error class is worth redelivering:
// transient database contention, or a referenced row that an in-flight
// message may still create.
func isRetryable(err error) bool {
	return store.IsTransientDBError(err) ||
		errors.Is(err, store.ErrCampaignNotFound) ||
		errors.Is(err, ErrContributionNotFound)
}
