package storage

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error classes for container write failures.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassUnknown    = "unknown"
)

// ClassifyWriteError maps a container write error to one of the error
// classes so operators can alert on failure categories rather than opaque
// driver messages.
func ClassifyWriteError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	// Timeout checks run first since net.Error can be both.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// Driver errors often arrive wrapped with their type information lost.
	msg := strings.ToLower(err.Error())
	switch {
	case isConnectionString(msg):
		return ErrorClassConnection
	case isTimeoutString(msg):
		return ErrorClassTimeout
	case isContentionString(msg):
		return ErrorClassContention
	case isConstraintString(msg):
		return ErrorClassConstraint
	}
	return ErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "client is closed")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "execabort")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
