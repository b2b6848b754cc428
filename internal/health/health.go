// Package health aggregates component liveness checks into one report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

// CheckFunc probes one component. Implementations should honor ctx deadlines.
type CheckFunc func(ctx context.Context) domain.HealthResult

// Checker runs registered checks and aggregates their results.
type Checker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]CheckFunc
	order  []string
}

// NewChecker creates an empty checker.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		logger: logger.With("component", "health"),
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a named check. Re-registering a name replaces the previous
// check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.checks[name]; !exists {
		c.order = append(c.order, name)
	}
	c.checks[name] = check
}

// Check runs every registered check and aggregates the results. The report is
// unhealthy when any check fails; a panicking check counts as failed rather
// than taking the process down.
func (c *Checker) Check(ctx context.Context) domain.HealthReport {
	c.mu.RLock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	report := domain.HealthReport{
		Status:    domain.StatusHealthy,
		Checks:    make(map[string]domain.HealthResult, len(names)),
		Timestamp: time.Now().UTC(),
	}

	for _, name := range names {
		result := c.runCheck(ctx, name, checks[name])
		report.Checks[name] = result
		if !result.Passed {
			report.Status = domain.StatusUnhealthy
		}
	}
	return report
}

func (c *Checker) runCheck(ctx context.Context, name string, check CheckFunc) (result domain.HealthResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Health check panicked", "check", name, "panic", r)
			result = domain.HealthResult{
				Name:    name,
				Passed:  false,
				Message: fmt.Sprintf("check panicked: %v", r),
			}
		}
	}()

	result = check(ctx)
	if result.Name == "" {
		result.Name = name
	}
	return result
}
