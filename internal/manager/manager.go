// Package manager implements the single-leader controller: it holds the
// manager lock, observes General-worker liveness, and partitions the
// discovered page range in either even-distribution or round-robin
// rotation mode.
package manager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/lock"
	"github.com/xiaofeng19920506/crawl-worker/internal/membership"
	"github.com/xiaofeng19920506/crawl-worker/internal/partition"
	"github.com/xiaofeng19920506/crawl-worker/internal/telemetry"
)

// Params tunes the Manager's tick behavior.
type Params struct {
	TickPeriod        time.Duration
	TLive             time.Duration
	RotationEnabled   bool
	RotationBatchSize int
}

// Manager runs the tick loop while it holds the manager lock.
type Manager struct {
	client coordinator.Client
	clk    clock.Clock
	logger *zap.Logger
	lease  *lock.Lock
	params Params
}

// New creates a Manager. The lease must already be acquired by the caller;
// a failed acquire is fatal to the process before the Manager ever runs.
func New(client coordinator.Client, clk clock.Clock, logger *zap.Logger, lease *lock.Lock, params Params) *Manager {
	if params.RotationBatchSize <= 0 {
		params.RotationBatchSize = 50
	}
	return &Manager{
		client: client,
		clk:    clk,
		logger: logger,
		lease:  lease,
		params: params,
	}
}

// Run executes Tick every TickPeriod until ctx is canceled. Transport
// errors are logged and retried next period, never fatal.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.params.TickPeriod)
	defer ticker.Stop()
	for {
		if err := m.Tick(ctx); err != nil {
			telemetry.ManagerTicksTotal.WithLabelValues("error").Inc()
			m.logger.Warn("manager tick failed", zap.Error(err))
		} else {
			telemetry.ManagerTicksTotal.WithLabelValues("ok").Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one scheduling pass: refresh the lock, read totalPages,
// recompute live membership, and (re)assign ranges as the current mode
// dictates.
func (m *Manager) Tick(ctx context.Context) error {
	if err := m.lease.Refresh(ctx); err != nil {
		// Lost ownership: go quiet and let another replica take over.
		telemetry.LockRefreshFailuresTotal.WithLabelValues("manager").Inc()
		m.logger.Warn("manager lock refresh failed, going quiet", zap.Error(err))
		return nil
	}

	totalPages, ok, err := m.readTotalPages(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil // no General worker has discovered the range yet
	}

	live, err := membership.LiveIDs(ctx, m.client, m.clk, membership.General, m.params.TLive)
	if err != nil {
		return err
	}
	telemetry.LiveWorkers.WithLabelValues("general").Set(float64(len(live)))
	if len(live) == 0 {
		return nil
	}

	if m.params.RotationEnabled {
		return m.tickRotation(ctx, totalPages, live)
	}
	return m.tickEven(ctx, totalPages, live)
}

func (m *Manager) readTotalPages(ctx context.Context) (int, bool, error) {
	v, err := coordinator.GetInt(ctx, m.client, coordinator.TotalPages())
	if err != nil {
		return 0, false, fmt.Errorf("manager: read totalPages: %w", err)
	}
	if raw, invalid := v.IsInvalid(); invalid {
		m.logger.Warn("manager: non-numeric totalPages, resetting",
			zap.String("raw", raw))
		if err := coordinator.SetInt(ctx, m.client, coordinator.TotalPages(), 0); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	n, present := v.Present()
	if !present || n <= 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// tickEven implements even-distribution mode: reassign everything when any
// live worker is unassigned, or when a worker finished a range that did
// not reach totalPages.
func (m *Manager) tickEven(ctx context.Context, totalPages int, live []string) error {
	reassign := false
	ranges := make([]partition.Range, 0, len(live))
	for _, id := range live {
		var r partition.Range
		res, err := coordinator.GetJSON(ctx, m.client, coordinator.GeneralPages(id), &r)
		if err != nil {
			return fmt.Errorf("manager: read pages for %s: %w", id, err)
		}
		if res != coordinator.JSONPresent {
			reassign = true
			break
		}
		ranges = append(ranges, r)
		done, err := coordinator.GetFlag(ctx, m.client, coordinator.GeneralComplete(id))
		if err != nil {
			return fmt.Errorf("manager: read complete for %s: %w", id, err)
		}
		if on, _ := done.Present(); on && r.End < totalPages {
			reassign = true
			break
		}
	}
	// Membership changes leave holes: if the live ranges no longer tile
	// [1..totalPages] in id order, the partition is stale.
	if !reassign && !tiles(ranges, totalPages) {
		reassign = true
	}
	if !reassign {
		return nil
	}

	if err := m.clearDeadWorkers(ctx, live); err != nil {
		return err
	}

	assignments := partition.Even(totalPages, live)
	for _, id := range live {
		busy, err := coordinator.GetFlag(ctx, m.client, coordinator.GeneralProcessing(id))
		if err != nil {
			return fmt.Errorf("manager: read processing for %s: %w", id, err)
		}
		if on, _ := busy.Present(); on {
			continue // mid-batch workers keep their current range
		}
		r := assignments[id]
		if err := coordinator.SetJSON(ctx, m.client, coordinator.GeneralPages(id), r); err != nil {
			return fmt.Errorf("manager: assign pages to %s: %w", id, err)
		}
		if err := m.client.Delete(ctx, coordinator.GeneralComplete(id)); err != nil {
			return fmt.Errorf("manager: clear complete for %s: %w", id, err)
		}
		telemetry.PagesAssignedTotal.WithLabelValues("even").Add(float64(r.Len()))
		m.logger.Info("assigned range",
			zap.String("worker", id), zap.Int("start", r.Start), zap.Int("end", r.End))
	}
	return nil
}

// tickRotation implements round-robin rotation mode over the persisted
// (index, lastAssignedPage) cursor.
func (m *Manager) tickRotation(ctx context.Context, totalPages int, live []string) error {
	state, err := m.readRotationState(ctx)
	if err != nil {
		return err
	}

	if partition.CycleComplete(state, totalPages) {
		return m.resetCycle(ctx, live)
	}

	trigger := false
	for _, id := range live {
		var r partition.Range
		res, err := coordinator.GetJSON(ctx, m.client, coordinator.GeneralPages(id), &r)
		if err != nil {
			return fmt.Errorf("manager: read pages for %s: %w", id, err)
		}
		if res != coordinator.JSONPresent {
			trigger = true
			break
		}
		done, err := coordinator.GetFlag(ctx, m.client, coordinator.GeneralComplete(id))
		if err != nil {
			return fmt.Errorf("manager: read complete for %s: %w", id, err)
		}
		if on, _ := done.Present(); on && state.LastAssignedPage < totalPages {
			trigger = true
			break
		}
	}
	if !trigger {
		return nil
	}

	id, r, next, ok := partition.NextAssignment(state, live, totalPages, m.params.RotationBatchSize)
	if !ok {
		return nil
	}
	if err := coordinator.SetJSON(ctx, m.client, coordinator.GeneralPages(id), r); err != nil {
		return fmt.Errorf("manager: assign rotation range to %s: %w", id, err)
	}
	if err := m.client.Delete(ctx, coordinator.GeneralComplete(id)); err != nil {
		return fmt.Errorf("manager: clear complete for %s: %w", id, err)
	}
	if err := m.writeRotationState(ctx, next); err != nil {
		return err
	}
	telemetry.PagesAssignedTotal.WithLabelValues("rotation").Add(float64(r.Len()))
	m.logger.Info("assigned rotation range",
		zap.String("worker", id), zap.Int("start", r.Start), zap.Int("end", r.End))
	return nil
}

// resetCycle starts a fresh rotation cycle: zero the cursor and clear
// every registered worker's assignment keys, live or not, so stale keys
// from workers that died mid-cycle cannot leak into the new cycle.
func (m *Manager) resetCycle(ctx context.Context, live []string) error {
	if err := m.writeRotationState(ctx, partition.RotationState{}); err != nil {
		return err
	}
	registered, err := membership.RegisteredIDs(ctx, m.client, membership.General)
	if err != nil {
		return err
	}
	ids := union(registered, live)
	for _, id := range ids {
		if err := m.client.Delete(ctx, coordinator.GeneralPages(id)); err != nil {
			return fmt.Errorf("manager: clear pages for %s: %w", id, err)
		}
		if err := m.client.Delete(ctx, coordinator.GeneralComplete(id)); err != nil {
			return fmt.Errorf("manager: clear complete for %s: %w", id, err)
		}
	}
	m.logger.Info("rotation cycle complete, reset", zap.Int("workers_cleared", len(ids)))
	return nil
}

// clearDeadWorkers removes assignment keys belonging to registered ids
// that are no longer live, so their pages return to the pool on the next
// partition.
func (m *Manager) clearDeadWorkers(ctx context.Context, live []string) error {
	registered, err := membership.RegisteredIDs(ctx, m.client, membership.General)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, id := range live {
		liveSet[id] = struct{}{}
	}
	for _, id := range registered {
		if _, ok := liveSet[id]; ok {
			continue
		}
		for _, key := range []string{
			coordinator.GeneralPages(id),
			coordinator.GeneralComplete(id),
			coordinator.GeneralProcessing(id),
		} {
			if err := m.client.Delete(ctx, key); err != nil {
				return fmt.Errorf("manager: clear dead worker %s: %w", id, err)
			}
		}
	}
	return nil
}

func (m *Manager) readRotationState(ctx context.Context) (partition.RotationState, error) {
	var state partition.RotationState
	idx, err := coordinator.GetInt(ctx, m.client, coordinator.RotationIndex())
	if err != nil {
		return state, fmt.Errorf("manager: read rotation index: %w", err)
	}
	last, err := coordinator.GetInt(ctx, m.client, coordinator.RotationLastAssignedPage())
	if err != nil {
		return state, fmt.Errorf("manager: read rotation last page: %w", err)
	}

	if raw, invalid := idx.IsInvalid(); invalid {
		m.logger.Warn("manager: non-numeric rotation index, resetting", zap.String("raw", raw))
		if err := coordinator.SetInt(ctx, m.client, coordinator.RotationIndex(), 0); err != nil {
			return state, err
		}
	}
	if raw, invalid := last.IsInvalid(); invalid {
		m.logger.Warn("manager: non-numeric rotation last page, resetting", zap.String("raw", raw))
		if err := coordinator.SetInt(ctx, m.client, coordinator.RotationLastAssignedPage(), 0); err != nil {
			return state, err
		}
	}

	state.Index, _ = idx.Present()
	state.LastAssignedPage, _ = last.Present()
	return state, nil
}

func (m *Manager) writeRotationState(ctx context.Context, state partition.RotationState) error {
	if err := coordinator.SetInt(ctx, m.client, coordinator.RotationIndex(), state.Index); err != nil {
		return fmt.Errorf("manager: write rotation index: %w", err)
	}
	if err := coordinator.SetInt(ctx, m.client, coordinator.RotationLastAssignedPage(), state.LastAssignedPage); err != nil {
		return fmt.Errorf("manager: write rotation last page: %w", err)
	}
	return nil
}

// tiles reports whether ranges, in live-id order, cover [1..totalPages]
// exactly: starting at 1, adjacent, ending at totalPages. Empty tail
// ranges are permitted once the previous range reached totalPages.
func tiles(ranges []partition.Range, totalPages int) bool {
	next := 1
	for _, r := range ranges {
		if r.Empty() {
			continue
		}
		if r.Start != next {
			return false
		}
		next = r.End + 1
	}
	return next == totalPages+1
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
