// Package session caches the validity of the upstream credential so the
// worker pipeline does not probe the upstream on every task. A verdict,
// valid or invalid, is held for the configured interval; concurrent
// revalidations collapse into a single probe.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrSessionInvalid is returned when the cached verdict says the upstream
// credential is not usable. Callers fail fast instead of probing again.
var ErrSessionInvalid = errors.New("upstream session is invalid")

// Prober performs the authenticated upstream call the guard uses to decide
// validity. Satisfied by the upstream client.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Status is a point-in-time view of the guard for the status endpoint.
type Status struct {
	Valid       bool      `json:"valid"`
	LastChecked time.Time `json:"last_checked"`
	NextCheck   time.Time `json:"next_check"`
	LastError   string    `json:"last_error,omitempty"`
}

// Guard owns the upstream credential and its cached validity verdict.
//
// Invariants: at most one probe is in flight at a time; a cached invalid
// verdict is honored for the full interval just like a valid one, so a dead
// credential does not turn every task into a probe storm.
type Guard struct {
	prober   Prober
	interval time.Duration
	logger   *slog.Logger
	group    singleflight.Group

	mu          sync.RWMutex
	credential  string
	valid       bool
	lastChecked time.Time
	lastErr     error
}

// NewGuard creates a guard holding the initial credential. No probe happens
// until the first IsValid call.
func NewGuard(prober Prober, credential string, interval time.Duration, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Guard{
		prober:     prober,
		interval:   interval,
		logger:     log.With(slog.String("component", "session_guard")),
		credential: credential,
	}
}

// Credential returns the current credential. Implements the upstream
// client's credential source.
func (g *Guard) Credential() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.credential
}

// IsValid returns nil when the session is usable and ErrSessionInvalid when
// the cached or freshly probed verdict is negative. A probe runs only when
// the verdict is stale; concurrent callers share one probe.
func (g *Guard) IsValid(ctx context.Context) error {
	g.mu.RLock()
	stale := g.staleLocked()
	valid := g.valid
	lastErr := g.lastErr
	g.mu.RUnlock()

	if !stale {
		if valid {
			return nil
		}
		return g.invalidError(lastErr)
	}

	_, err, _ := g.group.Do("probe", func() (any, error) {
		return nil, g.revalidate(ctx)
	})
	return err
}

// NeedsValidation reports whether the next IsValid call would probe.
func (g *Guard) NeedsValidation() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.staleLocked()
}

// Invalidate discards the cached verdict so the next IsValid call probes.
// Called when a worker hits an auth error mid-task.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.valid = false
	g.lastChecked = time.Time{}
	g.logger.Warn("session verdict invalidated")
}

// UpdateCredential replaces the credential and discards the cached verdict.
func (g *Guard) UpdateCredential(credential string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.credential = credential
	g.valid = false
	g.lastChecked = time.Time{}
	g.lastErr = nil
	g.logger.Info("session credential updated")
}

// CurrentStatus returns the cached verdict without probing.
func (g *Guard) CurrentStatus() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	status := Status{
		Valid:       g.valid && !g.staleLocked(),
		LastChecked: g.lastChecked,
	}
	if !g.lastChecked.IsZero() {
		status.NextCheck = g.lastChecked.Add(g.interval)
	}
	if g.lastErr != nil {
		status.LastError = g.lastErr.Error()
	}
	return status
}

// revalidate probes the upstream and records the verdict. Context
// cancellation leaves the verdict untouched so shutdown does not poison the
// cache.
func (g *Guard) revalidate(ctx context.Context) error {
	err := g.prober.Probe(ctx)
	if errors.Is(err, context.Canceled) {
		return err
	}

	g.mu.Lock()
	g.lastChecked = time.Now()
	g.valid = err == nil
	g.lastErr = err
	g.mu.Unlock()

	if err != nil {
		g.logger.Warn("session probe failed", slog.String("error", err.Error()))
		return g.invalidError(err)
	}
	g.logger.Debug("session probe succeeded")
	return nil
}

func (g *Guard) staleLocked() bool {
	return g.lastChecked.IsZero() || time.Since(g.lastChecked) >= g.interval
}

func (g *Guard) invalidError(cause error) error {
	if cause == nil {
		return ErrSessionInvalid
	}
	return errors.Join(ErrSessionInvalid, cause)
}
