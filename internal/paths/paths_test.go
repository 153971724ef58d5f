package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultRoot(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := New("").Root, filepath.Join(home, ".wpphub"); got != want {
		t.Errorf("New(\"\").Root = %q, want %q", got, want)
	}
}

func TestCredentialStorePath(t *testing.T) {
	got := New("/data").CredentialStorePath("acc1")
	if got != filepath.Join("/data", "accounts", "acc1", "session.db") {
		t.Errorf("CredentialStorePath(acc1) = %q", got)
	}
}

func TestLockPath(t *testing.T) {
	got := New("/data").LockPath()
	if !strings.HasSuffix(got, "LOCK") {
		t.Errorf("LockPath() = %q, want suffix LOCK", got)
	}
}

func TestEnsure(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "root"))
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := l.EnsureAccount("acc-1"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	for _, d := range []string{l.Root, l.LogDir(), l.AccountDir("acc-1")} {
		info, err := os.Stat(d)
		if err != nil {
			t.Fatalf("%s not created: %v", d, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("%s perm = %o, want 0700", d, perm)
		}
	}

	if err := l.EnsureAccount("../escape"); err == nil {
		t.Error("EnsureAccount should reject path traversal")
	}
}
