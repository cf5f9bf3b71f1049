package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

const (
	natTable = "nat"

	// ruleComment tags every rule installed here so List can tell them
	// apart from rules owned by anything else.
	ruleComment = "blobnfs"
)

var (
	// ErrRuleInstall is returned when a rule could not be installed even
	// though the preceding check found it absent.
	ErrRuleInstall = errors.New("failed to install DNAT rule")

	// ErrRuleRemove is returned when a rule could not be removed even though
	// the preceding check found it present.
	ErrRuleRemove = errors.New("failed to remove DNAT rule")
)

// Rule redirects TCP traffic bound for Destination to Target.
type Rule struct {
	Destination netip.Addr
	Target      netip.Addr
}

// Key returns a unique string identifier for this rule.
func (r Rule) Key() string {
	return fmt.Sprintf("%s->%s", r.Destination, r.Target)
}

// Validate rejects anything but IPv4 pairs.
func (r Rule) Validate() error {
	if !r.Destination.Is4() {
		return fmt.Errorf("invalid rule destination %s", r.Destination)
	}
	if !r.Target.Is4() {
		return fmt.Errorf("invalid rule target %s", r.Target)
	}
	return nil
}

// Options configures the platform Manager.
type Options struct {
	Chain       string // nat table chain, OUTPUT by default
	WaitSeconds int    // xtables lock wait
}

// Manager installs and removes DNAT rules in the IPv4 nat table.
// Implementations must be safe for concurrent use. AddRule and DeleteRule
// are check-then-act against shared kernel state: another process may
// change the table between the check and the change.
type Manager interface {
	// AddRule installs the rule unless it is already present.
	AddRule(rule Rule) error

	// DeleteRule removes the rule if present.
	DeleteRule(rule Rule) error

	// Exists reports whether the rule is present.
	Exists(rule Rule) (bool, error)

	// List returns the rules carrying the blobnfs tag.
	List() ([]Rule, error)
}

// buildRuleSpec constructs the iptables rule arguments for a given Rule.
func buildRuleSpec(rule Rule) []string {
	return []string{
		"-p", "tcp",
		"-d", rule.Destination.String(),
		"-m", "comment", "--comment", ruleComment,
		"-j", "DNAT",
		"--to-destination", rule.Target.String(),
	}
}

// parseRuleSpec parses one line of `iptables -t nat -S <chain>` output and
// returns the rule if it is a tagged TCP DNAT.
func parseRuleSpec(line string) (Rule, bool) {
	fields := strings.Fields(line)

	var (
		destination, target, protocol, jump string
		tagged                              bool
	)
	for i := 0; i < len(fields)-1; i++ {
		value := strings.Trim(fields[i+1], `"`)
		switch fields[i] {
		case "-d", "--destination":
			destination = strings.TrimSuffix(value, "/32")
		case "-p", "--protocol":
			protocol = value
		case "--comment":
			tagged = value == ruleComment
		case "-j", "--jump":
			jump = value
		case "--to-destination":
			target = value
		}
	}

	if !tagged || protocol != "tcp" || jump != "DNAT" {
		return Rule{}, false
	}

	dst, err := netip.ParseAddr(destination)
	if err != nil || !dst.Is4() {
		return Rule{}, false
	}
	tgt, err := netip.ParseAddr(target)
	if err != nil || !tgt.Is4() {
		return Rule{}, false
	}

	return Rule{Destination: dst, Target: tgt}, true
}
