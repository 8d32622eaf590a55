// Package discovery supplies gossip seed addresses.
package discovery

import (
    "context"
    "sort"
    "strings"
)

type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Split parses a comma separated seed list.
func Split(csv string) []string { return Normalize(strings.Split(csv, ",")) }

// Normalize trims, de-duplicates and sorts seeds.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, dup := set[s]; dup { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    sort.Strings(out)
    if len(out) == 0 { return nil }
    return out
}
