// Package ipv4 classifies strings as IPv4 addresses, address prefixes and
// private addresses.
//
// Syntax alone is not trusted: every candidate is also handed to a
// RouteProber, which on Linux asks the kernel routing table to resolve it as
// a FIB match target.
package ipv4

import (
	"errors"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned by Parse for anything that is not a valid
// dotted-quad IPv4 address.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

var addressPattern = regexp.MustCompile(`^([0-9]{1,3}\.){3}[0-9]{1,3}$`)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
}

// RouteProber asks the host routing subsystem whether addr is an acceptable
// route lookup target.
type RouteProber interface {
	Probe(addr netip.Addr) error
}

// AcceptAll is a RouteProber that accepts every address.
type AcceptAll struct{}

// Probe implements RouteProber.
func (AcceptAll) Probe(netip.Addr) error { return nil }

// Validator implements the address checks on top of a RouteProber.
type Validator struct {
	prober RouteProber
}

// NewValidator returns a Validator backed by prober. A nil prober accepts
// every syntactically valid address.
func NewValidator(prober RouteProber) *Validator {
	if prober == nil {
		prober = AcceptAll{}
	}
	return &Validator{prober: prober}
}

// Default returns a Validator using the platform route prober.
func Default() *Validator {
	return NewValidator(newPlatformProber())
}

// IsValidAddress reports whether s is a full dotted-quad IPv4 address with
// every octet in 0-255 that the routing subsystem accepts.
func (v *Validator) IsValidAddress(s string) bool {
	_, err := v.Parse(s)
	return err == nil
}

// Parse is IsValidAddress returning the parsed address.
func (v *Validator) Parse(s string) (netip.Addr, error) {
	if !addressPattern.MatchString(s) {
		return netip.Addr{}, ErrInvalidAddress
	}

	addr, ok := parseOctets(s)
	if !ok {
		return netip.Addr{}, ErrInvalidAddress
	}

	if err := v.prober.Probe(addr); err != nil {
		return netip.Addr{}, errors.Join(ErrInvalidAddress, err)
	}
	return addr, nil
}

// IsValidPrefix reports whether s is an IPv4 address or a leading part of
// one, such as "10", "10.10" or "10.10.10". Empty components ("10.") and
// out-of-range octets ("10.256") are rejected.
func (v *Validator) IsValidPrefix(s string) bool {
	addr, ok := parseOctets(s)
	if !ok {
		return false
	}
	return v.prober.Probe(addr) == nil
}

// IsPrivate reports whether s is a valid address inside 10.0.0.0/8,
// 172.16.0.0/12 or 192.168.0.0/16. Invalid input is never private.
func (v *Validator) IsPrivate(s string) bool {
	addr, err := v.Parse(s)
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr)
}

// IsPrivateAddr is the range check of IsPrivate on an already parsed address.
func IsPrivateAddr(addr netip.Addr) bool {
	for _, prefix := range privateRanges {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// parseOctets parses one to four dot separated decimal octets, zero-filling
// the missing trailing octets.
func parseOctets(s string) (netip.Addr, bool) {
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 4 {
		return netip.Addr{}, false
	}

	var octets [4]byte
	for i, part := range parts {
		if part == "" || len(part) > 3 {
			return netip.Addr{}, false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return netip.Addr{}, false
			}
		}
		value, err := strconv.Atoi(part)
		if err != nil || value > 255 {
			return netip.Addr{}, false
		}
		octets[i] = byte(value)
	}

	return netip.AddrFrom4(octets), true
}
