package repolock

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pdmd/internal/fault"
)

type fakeProbe struct {
	alive  map[int]bool
	killed []int
}

func (p *fakeProbe) Alive(pid int) bool { return p.alive[pid] }

func (p *fakeProbe) Kill(pid int) error {
	p.killed = append(p.killed, pid)
	p.alive[pid] = false
	return nil
}

func newTestMutex(t *testing.T, probe Probe) *Mutex {
	t.Helper()
	m, err := New(Config{
		Path:           filepath.Join(t.TempDir(), "repo.lock"),
		AcquireTimeout: 200 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Probe:          probe,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newTestMutex(t, &fakeProbe{alive: map[int]bool{}})

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	holder, ok := m.Holder()
	if !ok {
		t.Fatal("marker missing while held")
	}
	if holder.PID != os.Getpid() {
		t.Fatalf("marker pid = %d, want %d", holder.PID, os.Getpid())
	}

	h.Release()
	if _, ok := m.Holder(); ok {
		t.Fatal("marker still present after release")
	}
	// Idempotent: a second release must not panic or error.
	h.Release()
}

func TestContendedAcquireTimesOut(t *testing.T) {
	probe := &fakeProbe{alive: map[int]bool{os.Getpid(): true}}
	m := newTestMutex(t, probe)

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer h.Release()

	// Second mutex instance simulates another process on the same marker.
	other, err := New(Config{
		Path:           m.path,
		AcquireTimeout: 100 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Probe:          probe,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = other.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected timeout while lock held")
	}
	var failure fault.Failure
	if !errors.As(err, &failure) || failure.Code != fault.CodeLockTimeout {
		t.Fatalf("expected lock_timeout failure, got %v", err)
	}
	if !failure.Retryable() {
		t.Fatal("timeout should be retryable")
	}
}

func TestStaleDeadHolderRecoveredWithoutFullWait(t *testing.T) {
	probe := &fakeProbe{alive: map[int]bool{}}
	m := newTestMutex(t, probe)

	host, _ := os.Hostname()
	writeMarker(t, m.path, Marker{PID: 999999, Host: host, AcquiredAt: time.Now().UTC()})

	start := time.Now()
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over dead holder: %v", err)
	}
	defer h.Release()
	if waited := time.Since(start); waited > m.timeout/2 {
		t.Fatalf("recovery took %s, expected well under the %s timeout", waited, m.timeout)
	}
	if len(probe.killed) != 0 {
		t.Fatalf("dead holder should not be killed, got kills for %v", probe.killed)
	}
}

func TestStaleOldMarkerKillsLiveHolder(t *testing.T) {
	probe := &fakeProbe{alive: map[int]bool{4242: true}}
	m := newTestMutex(t, probe)

	host, _ := os.Hostname()
	writeMarker(t, m.path, Marker{
		PID:        4242,
		Host:       host,
		AcquiredAt: time.Now().UTC().Add(-10 * time.Minute),
	})

	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over aged holder: %v", err)
	}
	defer h.Release()
	if len(probe.killed) != 1 || probe.killed[0] != 4242 {
		t.Fatalf("expected holder 4242 killed, got %v", probe.killed)
	}
}

func TestCorruptedMarkerRecovered(t *testing.T) {
	m := newTestMutex(t, &fakeProbe{alive: map[int]bool{}})
	if err := os.WriteFile(m.path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire over corrupted marker: %v", err)
	}
	h.Release()
}

func TestRecoveryCircuitBreaker(t *testing.T) {
	m := newTestMutex(t, &fakeProbe{alive: map[int]bool{}})

	// A non-empty directory at the marker path cannot be removed, so every
	// forced recovery fails and the breaker must open instead of spinning.
	if err := os.MkdirAll(filepath.Join(m.path, "wedge"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	_, err := m.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected failure with unremovable marker")
	}
	var failure fault.Failure
	if !errors.As(err, &failure) || failure.Code != fault.CodeLockTimeout {
		t.Fatalf("expected lock_timeout failure, got %v", err)
	}
}

func TestAcquireHonoursContextCancel(t *testing.T) {
	probe := &fakeProbe{alive: map[int]bool{os.Getpid(): true}}
	m := newTestMutex(t, probe)
	h, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	other, err := New(Config{
		Path:           m.path,
		AcquireTimeout: time.Minute,
		PollInterval:   10 * time.Millisecond,
		Probe:          probe,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := other.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func writeMarker(t *testing.T, path string, mk Marker) {
	t.Helper()
	payload, err := json.Marshal(mk)
	if err != nil {
		t.Fatalf("marshal marker: %v", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
}
