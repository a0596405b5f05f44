// ABOUTME: Tests for configuration loading and validation.
// ABOUTME: Validates YAML parsing, env expansion, duration parsing, and defaults.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	t.Setenv("TUTOR_MESH_DB", "/var/lib/tutor-mesh/mesh.db")

	path := writeConfig(t, `
database:
  path: ${TUTOR_MESH_DB}
bus:
  queue_capacity: 50
  request_timeout: 10s
  health_check_timeout: 2s
  health_interval: 15s
registry:
  sweep_interval: 20s
  liveness_timeout: 45s
session:
  history_cap: 200
  ttl: 2h
  lock_timeout: 3s
breaker:
  failure_threshold: 3
  cool_down: 1m
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tutor-mesh/mesh.db", cfg.Database.Path)
	assert.Equal(t, 50, cfg.Bus.QueueCapacity)
	assert.Equal(t, 10*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, 2*time.Second, cfg.Bus.HealthCheckTimeout)
	assert.Equal(t, 15*time.Second, cfg.Bus.HealthInterval)
	assert.Equal(t, 20*time.Second, cfg.Registry.SweepInterval)
	assert.Equal(t, 45*time.Second, cfg.Registry.LivenessTimeout)
	assert.Equal(t, 200, cfg.Session.HistoryCap)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 3*time.Second, cfg.Session.LockTimeout)
	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.CoolDown)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: mesh.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Bus.QueueCapacity)
	assert.Equal(t, 30*time.Second, cfg.Bus.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Bus.HealthCheckTimeout)
	assert.Equal(t, 100, cfg.Session.HistoryCap)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 5*time.Second, cfg.Session.LockTimeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.CoolDown)
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
bus:
  queue_capacity: 10
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: mesh.db
bus:
  request_timeout: soon
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.request_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars_UnsetBecomesEmpty(t *testing.T) {
	assert.Equal(t, "path: ", expandEnvVars("path: ${DEFINITELY_NOT_SET_ANYWHERE}"))
}
