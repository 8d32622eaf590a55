package membership

import (
    "context"
    "time"

    "github.com/hashicorp/go-hclog"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
)

// BeatFunc receives one heartbeat per alive member per tick.
type BeatFunc func(ctx context.Context, m MemberInfo, at time.Time) error

// Pump reports every alive member with one of roles as a heartbeat each
// interval, until ctx is done. The local member is skipped.
func Pump(ctx context.Context, m Membership, interval time.Duration, roles []string, beat BeatFunc, log hclog.Logger) {
    if interval <= 0 { interval = time.Second }
    log = logutil.OrNull(log)
    want := make(map[string]bool, len(roles))
    for _, r := range roles { want[r] = true }
    t := time.NewTicker(interval)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        self := m.Local().ID
        now := time.Now()
        for _, mem := range m.Members() {
            if mem.ID == self || (len(want) > 0 && !want[mem.Role()]) { continue }
            if err := beat(ctx, mem, now); err != nil && ctx.Err() == nil {
                log.Debug("gossip heartbeat rejected", "member", mem.ID, "err", err)
            }
        }
    }
}
