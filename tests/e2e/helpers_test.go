//go:build linux

package e2e

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/miekg/dns"
)

// result is the outcome of one blobnfs invocation.
type result struct {
	stdout string
	stderr string
	err    error
}

// runBlobnfs executes the binary with args and TMPDIR pointed at dir so that
// a fallback log never leaves the test directory.
func runBlobnfs(t *testing.T, dir string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(blobnfsBinary, args...)
	cmd.Env = append(os.Environ(), "TMPDIR="+dir)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// mustRun runs blobnfs and asserts a successful exit.
func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	res := runBlobnfs(t, dir, args...)
	if res.err != nil {
		t.Fatalf("blobnfs %v failed: %v\nstdout: %s\nstderr: %s", args, res.err, res.stdout, res.stderr)
	}
	return res.stdout
}

// mustFail runs blobnfs and asserts exit status 1.
func mustFail(t *testing.T, dir string, args ...string) result {
	t.Helper()
	res := runBlobnfs(t, dir, args...)
	exitErr, ok := res.err.(*exec.ExitError)
	if !ok || exitErr.ExitCode() != 1 {
		t.Fatalf("expected blobnfs %v to exit 1, got %v\nstdout: %s\nstderr: %s", args, res.err, res.stdout, res.stderr)
	}
	return res
}

// writeTestConfig writes a config rooted at dir that resolves through dnsAddr.
func writeTestConfig(t *testing.T, dir, dnsAddr string) string {
	t.Helper()
	content := fmt.Sprintf(`
paths:
  dir: %s
dns:
  servers:
    - %s
  timeout: 1s
mountmap:
  lock_timeout: 2s
`, filepath.Join(dir, "blobnfs"), dnsAddr)

	configPath := filepath.Join(dir, "blobnfs.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

// startDNS serves the given name to address table on a local UDP port.
// Unknown names get NXDOMAIN.
func startDNS(t *testing.T, records map[string][]string) string {
	t.Helper()

	packetConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		reply := new(dns.Msg).SetReply(req)
		name := req.Question[0].Name
		addrs, ok := records[name]
		if !ok {
			reply.Rcode = dns.RcodeNameError
		}
		for _, addr := range addrs {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(addr).To4(),
			})
		}
		_ = w.WriteMsg(reply)
	})

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        packetConn,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return packetConn.LocalAddr().String()
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root for iptables")
	}
	if _, err := exec.LookPath("iptables"); err != nil {
		t.Skip("iptables not installed")
	}
}

// natRules returns `iptables -t nat -S OUTPUT`.
func natRules(t *testing.T) string {
	t.Helper()
	out, err := exec.Command("iptables", "-w", "5", "-t", "nat", "-S", "OUTPUT").CombinedOutput()
	if err != nil {
		t.Fatalf("iptables -S failed: %v: %s", err, out)
	}
	return string(out)
}
