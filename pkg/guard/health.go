package guard

// Health classifies one key.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// HealthReport is the health of one key with the data it was derived from.
type HealthReport struct {
	Health  Health  `json:"health"`
	Status  Status  `json:"status"`
	Metrics Metrics `json:"metrics"`
}

// Health reports every tracked key. Open keys are critical; half-open keys and
// keys whose failure rate exceeds DegradedFailureRate are degraded.
func (g *Guard) Health() map[string]HealthReport {
	out := make(map[string]HealthReport)
	g.entries.each(func(key string, e *entry) {
		e.mu.Lock()
		report := HealthReport{Status: e.status, Metrics: e.metrics}
		e.mu.Unlock()
		report.Health = g.classify(report.Status, report.Metrics)
		out[key] = report
	})
	return out
}

func (g *Guard) classify(status Status, m Metrics) Health {
	switch {
	case status.State == StateOpen:
		return HealthCritical
	case status.State == StateHalfOpen || m.FailureRate > g.cfg.DegradedFailureRate:
		return HealthDegraded
	}
	return HealthHealthy
}
