//go:build !linux

package nat

import "go.uber.org/zap"

// NewManager returns an in-memory Manager on systems without iptables, for
// development and testing.
func NewManager(_ Options, logger *zap.Logger) (Manager, error) {
	logger.Warn("iptables unavailable on this platform, using in-memory NAT table")
	return NewFakeManager(logger), nil
}
