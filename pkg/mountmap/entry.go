package mountmap

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// ErrInvalidEntry is returned for lines that cannot be stored or parsed.
var ErrInvalidEntry = errors.New("invalid mountmap entry")

// Entry is one mountmap line: the storage endpoint, the address it resolved
// to when mounted, and the local target that address is redirected to.
type Entry struct {
	FQDN    string
	Address netip.Addr
	Target  netip.Addr
}

// String renders the entry as "<fqdn> <address> <target>".
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s", e.FQDN, e.Address, e.Target)
}

// NormalizeFQDN returns the canonical spelling of a name: lower case, no
// trailing dot. Names are compared and stored only in this form.
func NormalizeFQDN(fqdn string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(fqdn), "."))
}

// Validate checks that the entry can be written as a single well-formed line
// with a canonical name.
func (e Entry) Validate() error {
	if _, ok := dns.IsDomainName(e.FQDN); !ok || e.FQDN == "" || strings.ContainsAny(e.FQDN, " \t\n") {
		return fmt.Errorf("%w: bad fqdn %q", ErrInvalidEntry, e.FQDN)
	}
	if NormalizeFQDN(e.FQDN) != e.FQDN {
		return fmt.Errorf("%w: fqdn %q is not canonical", ErrInvalidEntry, e.FQDN)
	}
	if !e.Address.Is4() {
		return fmt.Errorf("%w: bad address %s", ErrInvalidEntry, e.Address)
	}
	if !e.Target.Is4() {
		return fmt.Errorf("%w: bad target %s", ErrInvalidEntry, e.Target)
	}
	return nil
}

// ParseEntry parses a line written by Entry.String. Hand-written names with
// upper case or a trailing dot are normalized.
func ParseEntry(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("%w: expected 3 fields, got %d in %q", ErrInvalidEntry, len(fields), line)
	}

	address, err := netip.ParseAddr(fields[1])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q: %w", ErrInvalidEntry, line, err)
	}
	target, err := netip.ParseAddr(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q: %w", ErrInvalidEntry, line, err)
	}

	entry := Entry{FQDN: NormalizeFQDN(fields[0]), Address: address, Target: target}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
