package dispatch

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// classifyTransportError maps a client.Do error to a metrics reason
func classifyTransportError(err error) string {
	if err == nil {
		return "other"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	// Fall back to message matching for wrapped errors that lost their type
	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"):
		return "timeout"
	case strings.Contains(errLower, "connection refused"):
		return "connection_refused"
	case strings.Contains(errLower, "no such host"):
		return "dns_error"
	}
	return "network"
}

// classifyStatus maps an endpoint error status to a metrics reason
func classifyStatus(status int) string {
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
