package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelai/sentinel-oss/pkg/domain"
)

const allowModule = `package sentinel.guardrail

import rego.v1

default result := "allow"

default reason := ""
`

const denyModule = `package sentinel.guardrail

import rego.v1

default result := "deny"

default reason := "lockdown"
`

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guardrail.rego"), []byte(allowModule), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	modules, err := LoadModules(dir)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Contains(t, modules, "guardrail.rego")
}

func TestLoadModulesEmptyDirFails(t *testing.T) {
	_, err := LoadModules(t.TempDir())
	require.Error(t, err)
}

func TestLoadModulesMissingDirFails(t *testing.T) {
	_, err := LoadModules(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.rego")
	require.NoError(t, os.WriteFile(path, []byte(allowModule), 0o600))

	modules, err := LoadModules(dir)
	require.NoError(t, err)
	engine, err := NewEngine(context.Background(), EngineOptions{Modules: modules})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, engine, dir, nil)
	}()

	// Give the watcher time to register before mutating the directory.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(denyModule), 0o600))

	require.Eventually(t, func() bool {
		decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
		return err == nil && decision.Result == domain.ResultDeny
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatchKeepsModulesWhenReloadFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guardrail.rego")
	require.NoError(t, os.WriteFile(path, []byte(allowModule), 0o600))

	modules, err := LoadModules(dir)
	require.NoError(t, err)
	engine, err := NewEngine(context.Background(), EngineOptions{Modules: modules})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, engine, dir, nil)
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("this is not rego"), 0o600))

	// The broken write must not take effect; allow the debounce to fire.
	time.Sleep(500 * time.Millisecond)
	decision, err := engine.Evaluate(context.Background(), Input{DecisionType: "agent_output"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultAllow, decision.Result)

	cancel()
	<-done
}
