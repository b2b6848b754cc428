package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

func passing(name string) CheckFunc {
	return func(context.Context) domain.HealthResult {
		return domain.HealthResult{Name: name, Passed: true}
	}
}

func failing(name, msg string) CheckFunc {
	return func(context.Context) domain.HealthResult {
		return domain.HealthResult{Name: name, Passed: false, Message: msg}
	}
}

func TestAllChecksPassing(t *testing.T) {
	c := NewChecker(nil)
	c.Register("exporter", passing("exporter"))
	c.Register("decision_log", passing("decision_log"))

	report := c.Check(context.Background())
	assert.Equal(t, domain.StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.False(t, report.Timestamp.IsZero())
}

func TestOneFailingCheckMakesReportUnhealthy(t *testing.T) {
	c := NewChecker(nil)
	c.Register("exporter", passing("exporter"))
	c.Register("backend", failing("backend", "connection refused"))

	report := c.Check(context.Background())
	assert.Equal(t, domain.StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks, "backend")
	assert.False(t, report.Checks["backend"].Passed)
	assert.Equal(t, "connection refused", report.Checks["backend"].Message)
	assert.True(t, report.Checks["exporter"].Passed)
}

func TestPanickingCheckCountsAsFailed(t *testing.T) {
	c := NewChecker(nil)
	c.Register("unstable", func(context.Context) domain.HealthResult {
		panic("nil pointer somewhere")
	})

	report := c.Check(context.Background())
	assert.Equal(t, domain.StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks, "unstable")
	assert.False(t, report.Checks["unstable"].Passed)
	assert.Contains(t, report.Checks["unstable"].Message, "panicked")
}

func TestReRegisterReplacesCheck(t *testing.T) {
	c := NewChecker(nil)
	c.Register("db", failing("db", "down"))
	c.Register("db", passing("db"))

	report := c.Check(context.Background())
	assert.Equal(t, domain.StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 1)
}

func TestEmptyCheckerIsHealthy(t *testing.T) {
	report := NewChecker(nil).Check(context.Background())
	assert.Equal(t, domain.StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}
