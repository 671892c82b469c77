package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for the readiness endpoint.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// WorstStatus folds check statuses so that error beats degraded and degraded beats ok. Empty
// statuses count as ok.
func WorstStatus(checks map[string]SystemHealthCheck) string {
	worst := HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case HealthStatusError:
			return HealthStatusError
		case HealthStatusOK, "":
		default:
			worst = HealthStatusDegraded
		}
	}
	return worst
}
