//go:build linux

package ipv4

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkProber resolves candidates against the kernel FIB, the netlink
// equivalent of `ip route get fibmatch <addr>`.
type NetlinkProber struct{}

// Probe implements RouteProber. A missing route still means the kernel
// accepted the target, so only other failures reject it.
func (NetlinkProber) Probe(addr netip.Addr) error {
	if !addr.Is4() {
		return fmt.Errorf("%s is not an IPv4 address", addr)
	}

	_, err := netlink.RouteGetWithOptions(net.IP(addr.AsSlice()), &netlink.RouteGetOptions{FIBMatch: true})
	if err == nil || isNoRoute(err) {
		return nil
	}
	return fmt.Errorf("route lookup for %s failed: %w", addr, err)
}

func isNoRoute(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ESRCH)
}

func newPlatformProber() RouteProber {
	return NetlinkProber{}
}
