//go:build linux

package e2e

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

var testRecords = map[string][]string{
	"single.blob.core.windows.net.": {"192.0.2.10"},
	"zrs.blob.core.windows.net.":    {"192.0.2.10", "192.0.2.11", "192.0.2.12"},
}

func TestE2E_Version(t *testing.T) {
	output := mustRun(t, t.TempDir(), "version")
	if !strings.Contains(output, "blobnfs version") {
		t.Errorf("expected output to contain 'blobnfs version', got %q", output)
	}
}

func TestE2E_CheckIP(t *testing.T) {
	dir := t.TempDir()

	mustRun(t, dir, "check-ip", "10.161.100.100")
	mustRun(t, dir, "check-ip", "--prefix", "10.161")
	mustRun(t, dir, "check-ip", "--private", "172.16.0.1")

	mustFail(t, dir, "check-ip", "256.1.1.1")
	mustFail(t, dir, "check-ip", "10.161")
	mustFail(t, dir, "check-ip", "--prefix", "10.")
	mustFail(t, dir, "check-ip", "--private", "172.32.0.1")
}

func TestE2E_ResolveAndLayout(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, startDNS(t, testRecords))

	output := mustRun(t, dir, "-c", configPath, "resolve", "single.blob.core.windows.net")
	if strings.TrimSpace(output) != "192.0.2.10" {
		t.Errorf("expected 192.0.2.10, got %q", output)
	}

	appDir := filepath.Join(dir, "blobnfs")
	for _, name := range []string{"blobnfs.log", "mountmap"} {
		if _, err := os.Stat(filepath.Join(appDir, name)); err != nil {
			t.Errorf("expected %s to be created: %v", name, err)
		}
	}

	logContent, err := os.ReadFile(filepath.Join(appDir, "blobnfs.log"))
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	if !strings.Contains(string(logContent), "single.blob.core.windows.net") {
		t.Errorf("expected resolution to be logged, got %q", logContent)
	}
}

func TestE2E_ResolveFailures(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, startDNS(t, testRecords))

	mustFail(t, dir, "-c", configPath, "resolve", "zrs.blob.core.windows.net")
	mustFail(t, dir, "-c", configPath, "resolve", "missing.blob.core.windows.net")
}

func TestE2E_LayoutFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "127.0.0.1")

	// A regular file where the application directory should be.
	if err := os.WriteFile(filepath.Join(dir, "blobnfs"), nil, 0644); err != nil {
		t.Fatalf("failed to create blocking file: %v", err)
	}

	res := mustFail(t, dir, "-c", configPath, "list")
	if !strings.Contains(res.stderr, "store initialization failed") {
		t.Errorf("expected store initialization error, got stderr %q", res.stderr)
	}
}

func TestE2E_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "blobnfs.yaml")
	if err := os.WriteFile(configPath, []byte("nat:\n  chain: FORWARD\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	mustFail(t, dir, "-c", configPath, "list")
}

func TestE2E_AttachDetach(t *testing.T) {
	requireRoot(t)

	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, startDNS(t, testRecords))
	const fqdn = "single.blob.core.windows.net"
	const target = "10.161.100.100"
	t.Cleanup(func() { runBlobnfs(t, dir, "-c", configPath, "detach", fqdn) })

	output := mustRun(t, dir, "-c", configPath, "attach", fqdn, target)
	if strings.TrimSpace(output) != fqdn+" 192.0.2.10 "+target {
		t.Errorf("unexpected attach output %q", output)
	}
	mustRun(t, dir, "-c", configPath, "attach", fqdn, target)

	rules := natRules(t)
	if strings.Count(rules, "--to-destination "+target) != 1 {
		t.Fatalf("expected exactly one DNAT rule, got:\n%s", rules)
	}

	listed := mustRun(t, dir, "-c", configPath, "list")
	if strings.Count(listed, fqdn) != 1 {
		t.Errorf("expected one mountmap entry, got %q", listed)
	}

	mustRun(t, dir, "-c", configPath, "detach", fqdn)
	if strings.Contains(natRules(t), "--to-destination "+target) {
		t.Error("expected DNAT rule to be removed after detach")
	}
}

func TestE2E_WatchMode_GracefulShutdown(t *testing.T) {
	requireRoot(t)

	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, startDNS(t, testRecords))

	cmd := exec.Command(blobnfsBinary, "-c", configPath, "reconcile", "--watch")
	cmd.Env = append(os.Environ(), "TMPDIR="+dir)
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start watch mode: %v", err)
	}

	// Give the daemon time to start and perform initial reconcile
	time.Sleep(500 * time.Millisecond)

	// Send SIGTERM for graceful shutdown
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- cmd.Wait()
	}()

	select {
	case err := <-doneCh:
		if err != nil {
			t.Fatalf("watch mode exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		cmd.Process.Kill()
		t.Fatal("watch mode did not exit within 10 seconds after SIGTERM")
	}
}
