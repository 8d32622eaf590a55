package failover

import (
    "context"
    "encoding/json"
    "strconv"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

var ErrCorruptCache = errors.New("failover: corrupt cache version")

// Actuator delivers failover instructions to the data plane.
type Actuator interface {
    CloseRegion(ctx context.Context, datanode string, region uint64) error
    OpenRegion(ctx context.Context, datanode string, region uint64) error
    InvalidateCache(ctx context.Context, table string) error
}

// Instruction is what KVActuator leaves for a datanode to pick up.
type Instruction struct {
    Op       string    `json:"op"`
    RegionID uint64    `json:"region_id"`
    IssuedAt time.Time `json:"issued_at"`
}

// KVActuator writes instructions to /route/instruction/<datanode>/<region>
// and bumps /route/cache/<table> for cache invalidation. Datanodes and
// frontends watch those prefixes.
type KVActuator struct {
    store kv.Store
    retry kv.RetryPolicy
    now   func() time.Time
}

func NewKVActuator(store kv.Store) *KVActuator {
    return &KVActuator{store: store, retry: kv.DefaultRetryPolicy(), now: time.Now}
}

func InstructionKey(datanode string, region uint64) string {
    return kv.Join(kv.PrefixRoute, "instruction", datanode, strconv.FormatUint(region, 10))
}

func CacheKey(table string) string { return kv.Join(kv.PrefixRoute, "cache", table) }

func (a *KVActuator) CloseRegion(ctx context.Context, datanode string, region uint64) error {
    return a.instruct(ctx, datanode, region, "close")
}

func (a *KVActuator) OpenRegion(ctx context.Context, datanode string, region uint64) error {
    return a.instruct(ctx, datanode, region, "open")
}

func (a *KVActuator) instruct(ctx context.Context, datanode string, region uint64, op string) error {
    b, err := json.Marshal(Instruction{Op: op, RegionID: region, IssuedAt: a.now()})
    if err != nil { return err }
    return kv.Retry(ctx, a.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, a.store, InstructionKey(datanode, region), func(cur []byte, ok bool) ([]byte, error) {
            var prev Instruction
            if ok && json.Unmarshal(cur, &prev) == nil && prev.Op == op { return nil, kv.Skip }
            return b, nil
        })
        return err
    })
}

func (a *KVActuator) InvalidateCache(ctx context.Context, table string) error {
    return kv.Retry(ctx, a.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, a.store, CacheKey(table), func(cur []byte, ok bool) ([]byte, error) {
            var n uint64
            if ok {
                var err error
                if n, err = strconv.ParseUint(string(cur), 10, 64); err != nil {
                    return nil, errors.Wrapf(ErrCorruptCache, "%s: %q", CacheKey(table), cur)
                }
            }
            return []byte(strconv.FormatUint(n+1, 10)), nil
        })
        return err
    })
}
