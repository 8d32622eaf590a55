package failover

import (
    "context"
    "encoding/json"
    "strconv"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/kv"
)

var ErrRouteMoved = errors.New("failover: region route changed concurrently")

// Route says which datanode serves a region.
type Route struct {
    RegionID  uint64    `json:"region_id"`
    Table     string    `json:"table"`
    Leader    string    `json:"leader"`
    Version   uint64    `json:"version"`
    UpdatedAt time.Time `json:"updated_at"`
}

// Routes is the region route table kept under /route/region/.
type Routes struct {
    store kv.Store
    retry kv.RetryPolicy
    now   func() time.Time
}

func NewRoutes(store kv.Store, now func() time.Time) *Routes {
    if now == nil { now = time.Now }
    return &Routes{store: store, retry: kv.DefaultRetryPolicy(), now: now}
}

func routeKey(region uint64) string {
    return kv.Join(kv.PrefixRoute, "region", strconv.FormatUint(region, 10))
}

func (r *Routes) Get(ctx context.Context, region uint64) (Route, bool, error) {
    var (
        rt Route
        ok bool
    )
    err := kv.Retry(ctx, r.retry, func(ctx context.Context) error {
        b, found, err := r.store.Get(ctx, routeKey(region))
        if err != nil || !found { return err }
        if err := json.Unmarshal(b, &rt); err != nil { return errors.Wrap(err, "failover: decode route") }
        ok = true
        return nil
    })
    return rt, ok, err
}

// Ensure records leader for region unless a route already exists. It is
// how heartbeats seed the table.
func (r *Routes) Ensure(ctx context.Context, region uint64, table, leader string) error {
    b, err := json.Marshal(Route{RegionID: region, Table: table, Leader: leader, Version: 1, UpdatedAt: r.now()})
    if err != nil { return err }
    return kv.Retry(ctx, r.retry, func(ctx context.Context) error {
        _, err := r.store.PutIfAbsent(ctx, routeKey(region), b)
        return err
    })
}

// Move hands region from one datanode to another. Moving to the current
// leader is a no-op; any other leader than from fails with ErrRouteMoved.
func (r *Routes) Move(ctx context.Context, region uint64, from, to string) (Route, error) {
    var out Route
    err := kv.Retry(ctx, r.retry, func(ctx context.Context) error {
        _, err := kv.Update(ctx, r.store, routeKey(region), func(cur []byte, ok bool) ([]byte, error) {
            var rt Route
            if ok {
                if err := json.Unmarshal(cur, &rt); err != nil { return nil, errors.Wrap(err, "failover: decode route") }
            } else {
                rt = Route{RegionID: region, Leader: from}
            }
            if rt.Leader == to {
                out = rt
                return nil, kv.Skip
            }
            if rt.Leader != from {
                return nil, errors.Wrapf(ErrRouteMoved, "region %d: leader is %q, expected %q", region, rt.Leader, from)
            }
            rt.Leader = to
            rt.Version++
            rt.UpdatedAt = r.now()
            out = rt
            return json.Marshal(rt)
        })
        return err
    })
    return out, err
}
