package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connectivity notification")
		return false
	}
}

func TestMonitor_NotifiesTransitions(t *testing.T) {
	probe := NewStaticProbe(true)
	m := NewMonitor(probe, time.Hour, testLogger())

	got := make(chan bool, 10)
	unsub := m.OnChange(func(online bool) { got <- online })
	defer unsub()

	if v := recv(t, got); !v {
		t.Errorf("initial status = %v, want true", v)
	}

	probe.Set(false)
	if v := recv(t, got); v {
		t.Errorf("status after Set(false) = %v, want false", v)
	}

	probe.Set(true)
	if v := recv(t, got); !v {
		t.Errorf("status after Set(true) = %v, want true", v)
	}
}

func TestMonitor_NoDuplicateNotifications(t *testing.T) {
	probe := NewStaticProbe(true)
	m := NewMonitor(probe, 5*time.Millisecond, testLogger())

	got := make(chan bool, 10)
	unsub := m.OnChange(func(online bool) { got <- online })
	defer unsub()

	recv(t, got)
	time.Sleep(50 * time.Millisecond) // several poll ticks with no change

	select {
	case v := <-got:
		t.Errorf("unexpected notification %v without a transition", v)
	default:
	}
}

func TestMonitor_LateSubscriberGetsKnownStatus(t *testing.T) {
	probe := NewStaticProbe(false)
	m := NewMonitor(probe, time.Hour, testLogger())

	first := make(chan bool, 10)
	unsub1 := m.OnChange(func(online bool) { first <- online })
	defer unsub1()
	recv(t, first)

	var late []bool
	unsub2 := m.OnChange(func(online bool) { late = append(late, online) })
	defer unsub2()

	if len(late) != 1 || late[0] {
		t.Errorf("late subscriber got %v, want [false] synchronously", late)
	}
}

func TestMonitor_RefCountedWatcher(t *testing.T) {
	m := NewMonitor(NewStaticProbe(true), time.Hour, testLogger())
	if m.watching() {
		t.Fatal("watcher running before any subscription")
	}

	unsub1 := m.OnChange(func(bool) {})
	unsub2 := m.OnChange(func(bool) {})
	if !m.watching() {
		t.Fatal("watcher not running after subscribe")
	}

	unsub1()
	unsub1() // idempotent
	if !m.watching() {
		t.Error("watcher stopped while a listener remains")
	}

	unsub2()
	if m.watching() {
		t.Error("watcher still running after last unsubscribe")
	}
}

func TestMonitor_IsOnline(t *testing.T) {
	probe := NewStaticProbe(false)
	m := NewMonitor(probe, time.Hour, testLogger())
	if m.IsOnline(context.Background()) {
		t.Error("IsOnline = true, want false")
	}
	probe.Set(true)
	if !m.IsOnline(context.Background()) {
		t.Error("IsOnline = false, want true")
	}
}

// ---------------------------------------------------------------------------
// Probes
// ---------------------------------------------------------------------------

func TestFileProbe_Reachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network")
	p := FileProbe{Path: path}
	ctx := context.Background()

	if !p.Reachable(ctx) {
		t.Error("missing file should count as online")
	}
	if err := os.WriteFile(path, []byte("offline\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Reachable(ctx) {
		t.Error("offline file reported reachable")
	}
	if err := os.WriteFile(path, []byte("online"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Reachable(ctx) {
		t.Error("online file reported unreachable")
	}
}

func TestFileProbe_PushesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network")
	if err := os.WriteFile(path, []byte("online"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := NewMonitor(FileProbe{Path: path}, time.Hour, testLogger())
	got := make(chan bool, 10)
	unsub := m.OnChange(func(online bool) { got <- online })
	defer unsub()

	if v := recv(t, got); !v {
		t.Fatalf("initial status = %v, want true", v)
	}
	// Give the watcher a moment to register before writing.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("offline"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := recv(t, got); v {
		t.Errorf("status after writing offline = %v, want false", v)
	}
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := DialProbe{Address: ln.Addr().String(), Timeout: time.Second}

	if !p.Reachable(context.Background()) {
		t.Error("listening address reported unreachable")
	}
	_ = ln.Close()
	if p.Reachable(context.Background()) {
		t.Error("closed address reported reachable")
	}
}
