package redirect

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/easzlab/blobnfs/pkg/mountmap"
	"github.com/easzlab/blobnfs/pkg/nat"
	"github.com/easzlab/blobnfs/pkg/resolver"
	"go.uber.org/zap"
)

// fakeResolver answers from a table; unknown names fail like NXDOMAIN.
type fakeResolver struct {
	mu      sync.Mutex
	answers map[string]netip.Addr
	errs    map[string]error
	calls   map[string]int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		answers: make(map[string]netip.Addr),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeResolver) set(fqdn, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[fqdn] = netip.MustParseAddr(addr)
	delete(f.errs, fqdn)
}

func (f *fakeResolver) fail(fqdn string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[fqdn] = err
}

func (f *fakeResolver) count(fqdn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fqdn]
}

func (f *fakeResolver) ResolveIPv4(_ context.Context, fqdn string) (netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[fqdn]++
	if err, ok := f.errs[fqdn]; ok {
		return netip.Addr{}, err
	}
	if addr, ok := f.answers[fqdn]; ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: %s: NXDOMAIN", resolver.ErrResolution, fqdn)
}

type fixture struct {
	resolver *fakeResolver
	store    *mountmap.Store
	rules    *nat.FakeManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mountmap")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create mountmap: %v", err)
	}
	return &fixture{
		resolver: newFakeResolver(),
		store:    mountmap.NewStore(mountmap.Options{Path: path, LockTimeout: time.Second}, zap.NewNop()),
		rules:    nat.NewFakeManager(zap.NewNop()),
	}
}

func (f *fixture) redirector(requirePrivate bool) *Redirector {
	return NewRedirector(f.resolver, f.store, f.rules, nil, Options{RequirePrivateTarget: requirePrivate}, zap.NewNop())
}

func (f *fixture) lines(t *testing.T) []string {
	t.Helper()
	lines, err := f.store.Lines(context.Background())
	if err != nil {
		t.Fatalf("failed to read mountmap: %v", err)
	}
	return lines
}

func (f *fixture) ruleKeys(t *testing.T) []string {
	t.Helper()
	rules, err := f.rules.List()
	if err != nil {
		t.Fatalf("failed to list rules: %v", err)
	}
	keys := make([]string, 0, len(rules))
	for _, rule := range rules {
		keys = append(keys, rule.Key())
	}
	return keys
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func mustParseEntry(t *testing.T, line string) mountmap.Entry {
	t.Helper()
	entry, err := mountmap.ParseEntry(line)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", line, err)
	}
	return entry
}
