package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/courseshop/api/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness probe. Only critical probes can turn the report into an
// error; anything else degrades it.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

type probeRunner struct {
	checks []DependencyCheck
	now    func() time.Time
}

// NewDependencyHealthRepository rejects unnamed, duplicate or empty checks up front.
func NewDependencyHealthRepository(checks []DependencyCheck, clock ...func() time.Time) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: no dependency checks")
	}
	names := make(map[string]bool, len(checks))
	for _, c := range checks {
		switch name := strings.TrimSpace(c.Name); {
		case name == "":
			return nil, errors.New("health repository: unnamed dependency check")
		case c.Check == nil:
			return nil, fmt.Errorf("health repository: %s has no check function", name)
		case names[name]:
			return nil, fmt.Errorf("health repository: %s registered twice", name)
		default:
			names[name] = true
		}
	}
	r := &probeRunner{checks: append([]DependencyCheck(nil), checks...), now: time.Now}
	if len(clock) > 0 && clock[0] != nil {
		r.now = clock[0]
	}
	return r, nil
}

// Collect runs the probes concurrently. A probe failure is part of the report and never an
// error of Collect itself.
func (r *probeRunner) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, c := range r.checks {
		g.Go(func() error {
			res := r.run(ctx, c)
			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return domain.SystemHealthReport{
		Status:      domain.WorstStatus(results),
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func (r *probeRunner) run(ctx context.Context, c DependencyCheck) domain.SystemHealthCheck {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	err := c.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	res := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		CheckedAt: r.now(),
	}
	res.Latency = res.CheckedAt.Sub(started)
	if err == nil {
		return res
	}

	res.Error = err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		res.Detail = "cancelled"
	default:
		res.Detail = "unreachable"
	}
	res.Status = domain.HealthStatusDegraded
	if c.Critical {
		res.Status = domain.HealthStatusError
	}
	return res
}
