// Package healthcheck probes whether a redirect target accepts connections
// before traffic is sent to it.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// ErrUnreachable is returned when the target does not accept a connection.
var ErrUnreachable = errors.New("redirect target unreachable")

// Checker defines the interface for target probes.
type Checker interface {
	Check(ctx context.Context, target netip.AddrPort) error
}

// TCPChecker implements checking via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to target.
// Returns nil if the connection succeeds, or ErrUnreachable if it fails.
func (c *TCPChecker) Check(ctx context.Context, target netip.AddrPort) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, target, err)
	}
	conn.Close()
	return nil
}
