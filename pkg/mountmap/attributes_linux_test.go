//go:build linux && integration

package mountmap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// immutableDir returns a directory on a file system that supports
// FS_IMMUTABLE_FL, or skips. BLOBNFS_TEST_DIR overrides t.TempDir, which is
// often tmpfs.
func immutableDir(t *testing.T) string {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root (CAP_LINUX_IMMUTABLE)")
	}
	dir := t.TempDir()
	if override := os.Getenv("BLOBNFS_TEST_DIR"); override != "" {
		var err error
		dir, err = os.MkdirTemp(override, "mountmap-*")
		if err != nil {
			t.Fatalf("failed to create test dir: %v", err)
		}
		t.Cleanup(func() { os.RemoveAll(dir) })
	}
	return dir
}

func readFlags(t *testing.T, path string) uint32 {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()
	flags, err := unix.IoctlGetUint32(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		t.Fatalf("FS_IOC_GETFLAGS failed: %v", err)
	}
	return flags
}

func TestIoctlAttributes_SetAndClear(t *testing.T) {
	path := filepath.Join(immutableDir(t), "mountmap")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	defer f.Close()

	attrs := ioctlAttributes{}
	if err := attrs.SetImmutable(f, true); err != nil {
		if errors.Is(err, errAttributesUnsupported) {
			t.Skipf("file system does not support the immutable attribute: %v", err)
		}
		t.Fatalf("SetImmutable(true) failed: %v", err)
	}
	t.Cleanup(func() { _ = attrs.SetImmutable(f, false) })

	if readFlags(t, path)&fsImmutableFlag == 0 {
		t.Fatal("expected FS_IMMUTABLE_FL to be set")
	}
	if _, err := os.OpenFile(path, os.O_WRONLY, 0); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("expected EPERM writing an immutable file, got: %v", err)
	}

	if err := attrs.SetImmutable(f, false); err != nil {
		t.Fatalf("SetImmutable(false) failed: %v", err)
	}
	if readFlags(t, path)&fsImmutableFlag != 0 {
		t.Fatal("expected FS_IMMUTABLE_FL to be cleared")
	}
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("expected write access after clearing, got: %v", err)
	}
	w.Close()
}

func TestStore_ImmutableRoundTrip(t *testing.T) {
	path := filepath.Join(immutableDir(t), "mountmap")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	store := NewStore(Options{Path: path, Immutable: true, LockTimeout: time.Second}, zap.NewNop())
	ctx := context.Background()

	if err := store.Protect(ctx); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	t.Cleanup(func() {
		if f, err := os.Open(path); err == nil {
			_ = ioctlAttributes{}.SetImmutable(f, false)
			f.Close()
		}
	})
	if readFlags(t, path)&fsImmutableFlag == 0 {
		t.Skip("file system ignored FS_IMMUTABLE_FL")
	}

	line := "a.blob.core.windows.net 20.150.1.4 10.161.100.100"
	if err := store.Add(ctx, line); err != nil {
		t.Fatalf("Add failed on an immutable mountmap: %v", err)
	}
	if readFlags(t, path)&fsImmutableFlag == 0 {
		t.Error("expected the attribute to be restored after Add")
	}
	if ok, err := store.Contains(ctx, line); err != nil || !ok {
		t.Fatalf("expected line to be stored, got ok=%v err=%v", ok, err)
	}
}
