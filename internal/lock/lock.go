// Package lock implements the single-leader mutual-exclusion protocol used
// by both the Manager ("manager"-1) and every General/Product worker
// ("general"/"product"-id), per spec §4.2. The coordinator offers no
// compare-and-swap on value, so first acquisition leans on
// conditional-set-with-TTL and steady-state refresh leans on atomic
// get-and-set plus an ownership-drift heuristic.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

// ErrHeld is returned by Acquire when another instance holds a non-stale lock.
var ErrHeld = errors.New("lock: held by another instance")

// ErrLost is returned by a failed Refresh once ownership has been lost or
// stolen. The caller should stop acting as the lock holder; it does not
// need to exit the process (spec §4.2, §7).
var ErrLost = errors.New("lock: ownership lost")

// Params parameterizes the protocol; defaults per spec §4.2.
type Params struct {
	TTL            time.Duration
	Stale          time.Duration
	OwnershipDrift time.Duration
}

// Lock manages one (role,id) mutual-exclusion key. The same type and
// protocol serve the Manager and every worker role (spec "Polymorphic lock
// holders... implement once, parameterize by (role,id)").
type Lock struct {
	client Client
	clock  clock.Clock
	logger *zap.Logger
	params Params

	key string

	lockValue   time.Time
	lastRefresh time.Time
	held        bool
}

// Client is the subset of coordinator.Client the lock protocol needs.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Acquire(ctx context.Context, key, value string, ttlSeconds int) (bool, error)
	Swap(ctx context.Context, key, value string) (old string, ok bool, err error)
	Refresh(ctx context.Context, key, value string, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// New creates a Lock for the given role and id (e.g. role="manager", id="1",
// or role="general", id="3"). The coordinator key is lock/<role>-<id>.
func New(client Client, clk clock.Clock, logger *zap.Logger, role, id string, params Params) *Lock {
	return &Lock{
		client: client,
		clock:  clk,
		logger: logger,
		params: params,
		key:    coordinator.Lock(role, id),
	}
}

// Key returns the underlying coordinator key, mostly for logging/tests.
func (l *Lock) Key() string { return l.key }

// Held reports whether this Lock believes it currently holds the lease.
func (l *Lock) Held() bool { return l.held }

// Acquire runs the acquisition protocol in spec §4.2. It performs the
// initial conditional-set attempt and, on contention, inspects the
// existing holder's staleness, stealing a stale lock via atomic swap. It
// retries at most once beyond the initial attempt before giving up.
func (l *Lock) Acquire(ctx context.Context) error {
	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		acquired, retry, err := l.attempt(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if !retry {
			return ErrHeld
		}
	}
	return ErrHeld
}

func (l *Lock) attempt(ctx context.Context) (acquired, retry bool, err error) {
	now := l.clock.Now()
	nowStr := formatTime(now)

	ok, err := l.client.Acquire(ctx, l.key, nowStr, l.ttlSeconds())
	if err != nil {
		return false, false, fmt.Errorf("lock: acquire %s: %w", l.key, err)
	}
	if ok {
		l.markHeld(now)
		return true, false, nil
	}

	v, err := l.client.Get(ctx, l.key)
	if errors.Is(err, coordinator.ErrNotFound) {
		// The lock expired between our failed conditional-set and this
		// read; retry the whole acquire.
		return false, true, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("lock: get %s: %w", l.key, err)
	}

	if age, ok := l.ageOf(now, v); ok && age < l.params.Stale {
		return false, false, nil // recent holder: fail, no retry
	}

	old, present, err := l.client.Swap(ctx, l.key, nowStr)
	if err != nil {
		return false, false, fmt.Errorf("lock: swap %s: %w", l.key, err)
	}
	if !present {
		// Lock expired during the race to steal it; retry.
		return false, true, nil
	}
	if old == v {
		// We won the steal race cleanly.
		l.markHeld(now)
		if err := l.client.Refresh(ctx, l.key, nowStr, l.ttlSeconds()); err != nil {
			l.logger.Warn("lock: post-steal refresh failed", zap.String("key", l.key), zap.Error(err))
		}
		return true, false, nil
	}

	// old != v: someone else raced us. Inspect how fresh their value is.
	if age, ok := l.ageOf(now, old); ok && age < l.params.Stale {
		return false, false, nil // recent: fail
	}
	return false, true, nil // stale: retry once more
}

// Refresh extends the lease, per spec §4.2. Call it every REFRESH seconds
// while Held() is true. A returned ErrLost means ownership has been lost
// or stolen; the caller must stop acting as holder (but need not exit).
func (l *Lock) Refresh(ctx context.Context) error {
	if !l.held {
		return ErrLost
	}
	cur, err := l.client.Get(ctx, l.key)
	if errors.Is(err, coordinator.ErrNotFound) {
		l.held = false
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("lock: get %s: %w", l.key, err)
	}

	if t, ok := parseTime(cur); ok {
		drift := t.Sub(l.lastRefresh)
		if drift < 0 {
			drift = -drift
		}
		if drift > l.params.OwnershipDrift {
			l.held = false
			return ErrLost
		}
	}

	now := l.clock.Now()
	nowStr := formatTime(now)
	old, present, err := l.client.Swap(ctx, l.key, nowStr)
	if err != nil {
		return fmt.Errorf("lock: swap %s: %w", l.key, err)
	}
	if !present || old != cur {
		// Someone else mutated the key between our Get and Swap: restore
		// whatever we just clobbered and stop refreshing.
		if present {
			if rerr := l.client.Set(ctx, l.key, old); rerr != nil {
				l.logger.Warn("lock: restore after lost race failed", zap.String("key", l.key), zap.Error(rerr))
			}
		}
		l.held = false
		return ErrLost
	}

	if err := l.client.Refresh(ctx, l.key, nowStr, l.ttlSeconds()); err != nil {
		return fmt.Errorf("lock: refresh %s: %w", l.key, err)
	}
	l.lastRefresh = now
	return nil
}

// Release deletes the lock key on graceful shutdown only (spec §4.2).
func (l *Lock) Release(ctx context.Context) error {
	l.held = false
	if err := l.client.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("lock: release %s: %w", l.key, err)
	}
	return nil
}

func (l *Lock) markHeld(now time.Time) {
	l.held = true
	l.lockValue = now
	l.lastRefresh = now
}

func (l *Lock) ttlSeconds() int {
	return int(l.params.TTL.Seconds())
}

// ageOf parses raw as a lock timestamp and returns now - t, or ok=false if
// raw does not parse (an invalid value is treated as stale, per spec §7's
// "invalid coordinator values... overwrite with a safe default" policy
// applied here as "treat unparseable holder timestamps as already stale").
func (l *Lock) ageOf(now time.Time, raw string) (time.Duration, bool) {
	t, ok := parseTime(raw)
	if !ok {
		return 0, false
	}
	return now.Sub(t), true
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(raw string) (time.Time, bool) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
