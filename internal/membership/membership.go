// Package membership tracks which worker ids exist and are currently live,
// replacing the "scan ids 1..N_MAX" approach spec §9 calls out as ad-hoc.
// Each worker registers itself in a small per-role set key on its first
// heartbeat; the Manager (and General workers, for Product liveness)
// compute live membership as that set intersected with heartbeat
// freshness, with no hardcoded id cap.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/xiaofeng19920506/crawl-worker/internal/clock"
	"github.com/xiaofeng19920506/crawl-worker/internal/coordinator"
)

// Role identifies which worker set to consult.
type Role string

const (
	General Role = "general"
	Product Role = "product"
)

func setKey(role Role) string {
	return fmt.Sprintf("workers/%s", role)
}

func heartbeatKey(role Role, id string) string {
	switch role {
	case General:
		return coordinator.GeneralHeartbeat(id)
	case Product:
		return coordinator.ProductHeartbeat(id)
	default:
		return fmt.Sprintf("%s/%s/heartbeat", role, id)
	}
}

// Heartbeat writes a fresh heartbeat timestamp for (role,id) and, if
// necessary, registers id in the role's worker set via read-modify-write.
// The set update is not atomic with the heartbeat write — spec §5 allows
// this because the set is append-mostly and a missed registration is
// self-healing on the worker's next heartbeat.
func Heartbeat(ctx context.Context, c coordinator.Client, clk clock.Clock, role Role, id string) error {
	now := strconv.FormatInt(clk.Now().UnixMilli(), 10)
	if err := c.Set(ctx, heartbeatKey(role, id), now); err != nil {
		return fmt.Errorf("membership: write heartbeat %s/%s: %w", role, id, err)
	}
	if err := ensureRegistered(ctx, c, role, id); err != nil {
		return fmt.Errorf("membership: register %s/%s: %w", role, id, err)
	}
	return nil
}

func ensureRegistered(ctx context.Context, c coordinator.Client, role Role, id string) error {
	ids, err := readSet(ctx, c, role)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return writeSet(ctx, c, role, ids)
}

func readSet(ctx context.Context, c coordinator.Client, role Role) ([]string, error) {
	raw, err := c.Get(ctx, setKey(role))
	if err != nil {
		if errors.Is(err, coordinator.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if jerr := json.Unmarshal([]byte(raw), &ids); jerr != nil {
		// Invalid set contents: treat as empty per spec §7's "invalid
		// coordinator values... overwrite with a safe default" policy.
		return nil, nil
	}
	return ids, nil
}

func writeSet(ctx context.Context, c coordinator.Client, role Role, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return c.Set(ctx, setKey(role), string(raw))
}

// LiveIDs returns the ids registered for role whose heartbeat is within
// tLive of clk.Now(), sorted numerically ascending (spec §4.3's
// deterministic worker ordering requirement).
func LiveIDs(ctx context.Context, c coordinator.Client, clk clock.Clock, role Role, tLive time.Duration) ([]string, error) {
	ids, err := readSet(ctx, c, role)
	if err != nil {
		return nil, fmt.Errorf("membership: read %s set: %w", role, err)
	}

	now := clk.Now()
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		raw, gerr := c.Get(ctx, heartbeatKey(role, id))
		if gerr != nil {
			continue // absent heartbeat: never seen or expired away; not live
		}
		ms, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			continue // invalid heartbeat value: treat as not live
		}
		age := now.Sub(time.UnixMilli(ms))
		if age <= tLive {
			live = append(live, id)
		}
	}
	sortNumeric(live)
	return live, nil
}

// RegisteredIDs returns every id currently in the role's worker set, live
// or not; ids removed by Deregister are not included.
// The Manager uses the difference between this and LiveIDs to clear keys
// left behind by dead workers.
func RegisteredIDs(ctx context.Context, c coordinator.Client, role Role) ([]string, error) {
	ids, err := readSet(ctx, c, role)
	if err != nil {
		return nil, fmt.Errorf("membership: read %s set: %w", role, err)
	}
	sortNumeric(ids)
	return ids, nil
}

// Deregister removes id from the role's worker set and deletes its
// heartbeat key, used on graceful shutdown (spec §5).
func Deregister(ctx context.Context, c coordinator.Client, role Role, id string) error {
	if err := c.Delete(ctx, heartbeatKey(role, id)); err != nil {
		return fmt.Errorf("membership: delete heartbeat %s/%s: %w", role, id, err)
	}
	ids, err := readSet(ctx, c, role)
	if err != nil {
		return fmt.Errorf("membership: read %s set: %w", role, err)
	}
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return writeSet(ctx, c, role, out)
}

func sortNumeric(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		ni, erri := strconv.Atoi(ids[i])
		nj, errj := strconv.Atoi(ids[j])
		if erri != nil || errj != nil {
			return ids[i] < ids[j]
		}
		return ni < nj
	})
}
