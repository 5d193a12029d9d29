package rpc

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum"
)

// ErrBlockNotFound indicates the requested height does not exist on the
// canonical chain (beyond head, or orphaned by a deep reorg).
var ErrBlockNotFound = errors.New("block not found")

// isNotFound reports whether the error means the block is absent rather than
// the request having failed.
func isNotFound(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

// IsTransient checks if an error should trigger a retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Connection errors
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	// Timeout errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	// Rate limiting
	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	// Temporary server errors
	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	// Connection pool exhausted
	if strings.Contains(errStr, "connection pool") ||
		strings.Contains(errStr, "no available connection") {
		return true
	}

	return false
}
