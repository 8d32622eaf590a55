package membership

// HealthReporter is implemented by gossip layers that can score their own
// health. Lower is better; -1 means not running.
type HealthReporter interface {
    HealthScore() int
}

// Health returns m's score, or -1 when m cannot report one.
func Health(m Membership) int {
    if hr, ok := m.(HealthReporter); ok { return hr.HealthScore() }
    return -1
}
