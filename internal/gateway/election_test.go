//go:build unix

package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/pslog"

	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/lockfile"
	"github.com/ChromeDevTools/chrome-devtools-mcp-sub006/internal/paths"
)

func TestElectBecomesPrimary(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "gateway.lock")

	role, err := Elect(lockPath, 9321, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("election failed: %v", err)
	}
	if !role.Primary {
		t.Fatal("expected to win election with no existing lock")
	}
	if role.Lock == nil {
		t.Fatal("primary role carries no lock")
	}
	defer func() { _ = role.Lock.Release() }()

	if role.Port != 9321 {
		t.Errorf("port = %d, want 9321", role.Port)
	}

	rec, err := lockfile.ProbeExisting(lockPath)
	if err != nil {
		t.Fatalf("failed to read back lock record: %v", err)
	}
	if rec == nil || rec.PID != os.Getpid() || rec.Port != 9321 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestElectDefersToAliveHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "gateway.lock")

	// The parent test runner stands in for an alive foreign primary.
	rec := lockfile.Record{PID: os.Getppid(), Port: 9555}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("failed to marshal record: %v", err)
	}
	if err := os.WriteFile(lockPath, data, 0o600); err != nil {
		t.Fatalf("failed to write lock file: %v", err)
	}

	role, err := Elect(lockPath, 9321, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("election failed: %v", err)
	}
	if role.Primary {
		t.Fatal("stole the lock from an alive holder")
	}
	if role.Holder == nil || role.Holder.PID != os.Getppid() {
		t.Fatalf("holder = %+v", role.Holder)
	}
	if role.Port != 9555 {
		t.Errorf("port = %d, want the holder's 9555", role.Port)
	}

	// The holder's file must be untouched.
	after, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("failed to re-read lock file: %v", err)
	}
	if string(after) != string(data) {
		t.Fatal("election rewrote an alive holder's lock file")
	}
}

func TestElectAutoPicksPort(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "gateway.lock")

	role, err := Elect(lockPath, 0, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("election failed: %v", err)
	}
	if !role.Primary {
		t.Fatal("expected to win election with no existing lock")
	}
	defer func() { _ = role.Lock.Release() }()

	if role.Port < paths.DefaultPortRangeMin || role.Port > paths.DefaultPortRangeMax {
		t.Errorf("auto-picked port %d outside range %d-%d",
			role.Port, paths.DefaultPortRangeMin, paths.DefaultPortRangeMax)
	}
}
