// Package repolock provides the cross-process repository mutex that
// serializes every mutating operation against the local working copy.
//
// Ownership is recorded by atomically creating a marker file next to the
// working copy. On contention the marker is inspected: a marker older than
// the stale ceiling, or whose recorded process no longer exists on this
// host, is forcibly broken and acquisition retried immediately. Breaking a
// lock whose holder is merely slow past the ceiling is an accepted,
// documented trade-off.
package repolock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"pkt.systems/pdmd/internal/clock"
	"pkt.systems/pdmd/internal/fault"
	"pkt.systems/pdmd/internal/loggingutil"
	"pkt.systems/pslog"
)

const (
	// DefaultAcquireTimeout bounds how long Acquire blocks before failing.
	DefaultAcquireTimeout = 15 * time.Second
	// DefaultStaleAge is the marker age past which the holder is presumed dead.
	DefaultStaleAge = 300 * time.Second
	// DefaultPollInterval controls how often a blocked Acquire re-inspects the marker.
	DefaultPollInterval = 250 * time.Millisecond

	// maxForcedBreaks caps stale-lock recoveries within one Acquire call so an
	// unresolved underlying cause (bad permissions, a looping writer) cannot
	// spin forever.
	maxForcedBreaks = 3

	// removeAttempts bounds permission-error retries while deleting a marker.
	removeAttempts = 3
	removeBackoff  = 100 * time.Millisecond
)

// Probe abstracts process liveness and termination so staleness recovery is
// testable without real process kills.
type Probe interface {
	Alive(pid int) bool
	Kill(pid int) error
}

// SystemProbe implements Probe against the real process table.
type SystemProbe struct{}

// Alive reports whether pid exists on this host.
func (SystemProbe) Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Kill terminates pid. Missing processes are not an error.
func (SystemProbe) Kill(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	return proc.Kill()
}

// Config carries the mutex tunables.
type Config struct {
	// Path is the marker file location.
	Path string
	// AcquireTimeout bounds the blocking wait. Zero selects the default.
	AcquireTimeout time.Duration
	// StaleAge is the marker age ceiling. Zero selects the default.
	StaleAge time.Duration
	// PollInterval is the contention re-check interval. Zero selects the default.
	PollInterval time.Duration
	// Probe checks and kills marker holders. Nil selects SystemProbe.
	Probe Probe
	// Clock abstracts time. Nil selects the real clock.
	Clock clock.Clock
	// Logger receives structured events. Nil disables logging.
	Logger pslog.Logger
}

// Mutex is the repository-wide mutual exclusion primitive. Safe for use by
// multiple goroutines and by separate OS processes sharing the marker path.
type Mutex struct {
	path     string
	timeout  time.Duration
	staleAge time.Duration
	poll     time.Duration
	probe    Probe
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *lockMetrics

	// local serializes goroutines within this process so only one of them
	// contends on the marker file at a time.
	local sync.Mutex
}

// Marker is the on-disk ownership record.
type Marker struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// New constructs a Mutex. The marker path's directory must exist.
func New(cfg Config) (*Mutex, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("repolock: marker path required")
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultStaleAge
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Probe == nil {
		cfg.Probe = SystemProbe{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := loggingutil.EnsureLogger(cfg.Logger)
	return &Mutex{
		path:     cfg.Path,
		timeout:  cfg.AcquireTimeout,
		staleAge: cfg.StaleAge,
		poll:     cfg.PollInterval,
		probe:    cfg.Probe,
		clock:    cfg.Clock,
		logger:   logger,
		metrics:  newLockMetrics(logger),
	}, nil
}

// Handle represents held ownership. Release is idempotent and must run on
// every exit path; callers pair Acquire with a deferred Release.
type Handle struct {
	m        *Mutex
	released bool
	mu       sync.Mutex
}

// Release removes the marker and lets the next waiter in.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if err := os.Remove(h.m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.m.logger.Warn("repolock.release.remove_failed", "path", h.m.path, "error", err)
	} else {
		h.m.logger.Debug("repolock.release.done", "path", h.m.path)
	}
	h.m.local.Unlock()
}

// Acquire blocks until exclusive ownership is obtained, the configured
// timeout elapses, or ctx is cancelled. Timeout surfaces as a retryable
// lock_timeout failure.
func (m *Mutex) Acquire(ctx context.Context) (*Handle, error) {
	start := m.clock.Now()
	m.logger.Debug("repolock.acquire.begin", "path", m.path, "timeout", m.timeout.String())

	if err := m.lockLocal(ctx, start); err != nil {
		m.metrics.observeAcquire(ctx, "timeout", m.clock.Now().Sub(start))
		return nil, err
	}

	deadline := start.Add(m.timeout)
	breaks := 0
	for {
		created, err := m.tryCreateMarker()
		if err != nil {
			m.local.Unlock()
			m.metrics.observeAcquire(ctx, "error", m.clock.Now().Sub(start))
			return nil, fmt.Errorf("repolock: create marker: %w", err)
		}
		if created {
			m.logger.Debug("repolock.acquire.done",
				"path", m.path,
				"waited", m.clock.Now().Sub(start).String(),
				"forced_breaks", breaks,
			)
			m.metrics.observeAcquire(ctx, "ok", m.clock.Now().Sub(start))
			return &Handle{m: m}, nil
		}

		stale, holder := m.inspect()
		if stale {
			if breaks >= maxForcedBreaks {
				m.local.Unlock()
				m.metrics.observeAcquire(ctx, "breaker_open", m.clock.Now().Sub(start))
				return nil, fault.Failure{
					Code:   fault.CodeLockTimeout,
					Detail: fmt.Sprintf("stale lock at %s persists after %d forced recoveries", m.path, breaks),
				}
			}
			breaks++
			m.breakStale(holder)
			// Immediate retry, no wait: recovery must not consume the full timeout.
			continue
		}

		now := m.clock.Now()
		if !now.Before(deadline) {
			m.local.Unlock()
			m.logger.Warn("repolock.acquire.timeout",
				"path", m.path,
				"holder_pid", holder.PID,
				"holder_host", holder.Host,
			)
			m.metrics.observeAcquire(ctx, "timeout", now.Sub(start))
			return nil, fault.Failure{
				Code:       fault.CodeLockTimeout,
				Detail:     fmt.Sprintf("repository lock held by pid %d on %s", holder.PID, holder.Host),
				RetryAfter: 1,
			}
		}

		select {
		case <-ctx.Done():
			m.local.Unlock()
			m.metrics.observeAcquire(ctx, "cancelled", m.clock.Now().Sub(start))
			return nil, ctx.Err()
		case <-m.clock.After(m.poll):
		}
	}
}

// lockLocal takes the in-process mutex, honouring ctx and the deadline.
func (m *Mutex) lockLocal(ctx context.Context, start time.Time) error {
	deadline := start.Add(m.timeout)
	for {
		if m.local.TryLock() {
			return nil
		}
		now := m.clock.Now()
		if !now.Before(deadline) {
			return fault.Failure{
				Code:       fault.CodeLockTimeout,
				Detail:     "repository lock held by another operation in this process",
				RetryAfter: 1,
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.poll):
		}
	}
}

// tryCreateMarker attempts the exclusive create. Returns created=false on
// contention.
func (m *Mutex) tryCreateMarker() (bool, error) {
	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	host, _ := os.Hostname()
	payload, err := json.Marshal(Marker{
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: m.clock.Now(),
	})
	if err == nil {
		_, err = f.Write(payload)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(m.path)
		return false, err
	}
	return true, nil
}

// inspect reads the current marker and classifies it. A marker that vanished
// or fails to parse is treated as stale so the acquire loop can proceed.
func (m *Mutex) inspect() (stale bool, holder Marker) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Holder released between our create attempt and now.
			return false, Marker{}
		}
		m.logger.Warn("repolock.inspect.read_failed", "path", m.path, "error", err)
		return true, Marker{}
	}
	if err := json.Unmarshal(raw, &holder); err != nil {
		m.logger.Warn("repolock.inspect.corrupted", "path", m.path, "error", err)
		return true, holder
	}

	age := m.clock.Now().Sub(holder.AcquiredAt)
	if age > m.staleAge {
		m.logger.Warn("repolock.inspect.stale_age",
			"path", m.path,
			"holder_pid", holder.PID,
			"age", age.String(),
		)
		return true, holder
	}
	host, _ := os.Hostname()
	if holder.Host == host && holder.PID > 0 && !m.probe.Alive(holder.PID) {
		m.logger.Warn("repolock.inspect.holder_dead",
			"path", m.path,
			"holder_pid", holder.PID,
		)
		return true, holder
	}
	return false, holder
}

// breakStale force-recovers a stale marker: best-effort kill of the recorded
// process, then marker removal with bounded permission-error retries.
func (m *Mutex) breakStale(holder Marker) {
	host, _ := os.Hostname()
	if holder.PID > 0 && holder.Host == host && m.probe.Alive(holder.PID) {
		if err := m.probe.Kill(holder.PID); err != nil {
			m.logger.Warn("repolock.break.kill_failed", "pid", holder.PID, "error", err)
		} else {
			m.logger.Info("repolock.break.killed_holder", "pid", holder.PID)
		}
	}
	for attempt := 1; ; attempt++ {
		err := os.Remove(m.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			m.logger.Info("repolock.break.marker_removed", "path", m.path, "attempt", attempt)
			m.metrics.observeBreak(context.Background())
			return
		}
		if !errors.Is(err, os.ErrPermission) || attempt >= removeAttempts {
			m.logger.Error("repolock.break.remove_failed", "path", m.path, "attempt", attempt, "error", err)
			return
		}
		m.clock.Sleep(removeBackoff)
	}
}

// Holder returns the current marker when one exists. Diagnostic only.
func (m *Mutex) Holder() (Marker, bool) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return Marker{}, false
	}
	var mk Marker
	if err := json.Unmarshal(raw, &mk); err != nil {
		return Marker{}, false
	}
	return mk, true
}
