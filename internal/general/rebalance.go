package general

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
	"github.com/xiaofeng19920506/crawl-worker/internal/membership"
	"github.com/xiaofeng19920506/crawl-worker/internal/telemetry"
)

// rebalance moves work from the busiest Product worker to idle ones while
// a batch is draining. At most one move happens per call; the next poll
// sweeps again, which also picks up Product workers that joined mid-batch.
func (w *Worker) rebalance(ctx context.Context) error {
	live, err := membership.LiveIDs(ctx, w.client, w.clk, membership.Product, w.params.TLive)
	if err != nil {
		return err
	}
	lists := make(map[string][]int, len(live))
	for _, id := range live {
		var pages []int
		res, err := coordinator.GetJSON(ctx, w.client, coordinator.ProductPages(id), &pages)
		if err != nil {
			return err
		}
		if res != coordinator.JSONPresent {
			pages = nil
		}
		lists[id] = pages
	}

	moves, ok := planRebalance(lists)
	if !ok {
		return nil
	}
	for id, pages := range moves {
		if err := coordinator.SetJSON(ctx, w.client, coordinator.ProductPages(id), pages); err != nil {
			return fmt.Errorf("general: write rebalanced pages for %s: %w", id, err)
		}
	}
	telemetry.RebalancesTotal.Inc()
	w.logger.Info("rebalanced product assignments", zap.Int("workers_touched", len(moves)))
	return nil
}

// planRebalance classifies workers into busy and idle and, when both
// groups are non-empty, takes the ceiling-half of the busiest worker's
// pending pages and deals them to the idle workers in ceiling-sized
// chunks. Returns the new lists for every touched worker.
//
// The moved pages come from the tail of the busiest list, which the busy
// worker has not reached yet since it drains in order.
func planRebalance(lists map[string][]int) (map[string][]int, bool) {
	ids := make([]string, 0, len(lists))
	for id := range lists {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var busiest string
	var idle []string
	for _, id := range ids {
		if len(lists[id]) == 0 {
			idle = append(idle, id)
			continue
		}
		if busiest == "" || len(lists[id]) > len(lists[busiest]) {
			busiest = id
		}
	}
	if busiest == "" || len(idle) == 0 {
		return nil, false
	}
	pending := lists[busiest]
	if len(pending) < 2 {
		return nil, false // moving a lone page is churn, not balance
	}
	take := (len(pending) + 1) / 2
	moved := pending[len(pending)-take:]
	moves := map[string][]int{
		busiest: append([]int(nil), pending[:len(pending)-take]...),
	}
	chunk := (len(moved) + len(idle) - 1) / len(idle)
	for i, id := range idle {
		lo := i * chunk
		if lo >= len(moved) {
			moves[id] = []int{}
			continue
		}
		hi := lo + chunk
		if hi > len(moved) {
			hi = len(moved)
		}
		moves[id] = append([]int(nil), moved[lo:hi]...)
	}
	return moves, true
}
