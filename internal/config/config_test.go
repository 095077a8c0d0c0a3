package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
service:
  heartbeat_timeout_in_ms: 5000
  shutdown_barrier_timeout_in_ms: 2000
  allow_new_incarnation_to_reconnect: true
  coordinated_job_list:
    - name: worker
      num_tasks: 4
    - name: ps
      num_tasks: 1
  recoverable_jobs: [ps]
agents:
  "/job:worker/replica:0/task:0": "10.0.0.1:7000"
listen:
  port: 9000
metrics:
  enabled: true
  port: 9100
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, cfg.Service.HeartbeatTimeoutMs)
	assert.EqualValues(t, 2000, cfg.Service.ShutdownBarrierTimeoutMs)
	assert.True(t, cfg.Service.AllowNewIncarnationToReconnect)
	require.Len(t, cfg.Service.CoordinatedJobs, 2)
	assert.Equal(t, "worker", cfg.Service.CoordinatedJobs[0].Name)
	assert.Equal(t, 4, cfg.Service.CoordinatedJobs[0].NumTasks)
	assert.Equal(t, []string{"ps"}, cfg.Service.RecoverableJobs)
	assert.Equal(t, "10.0.0.1:7000", cfg.Agents["/job:worker/replica:0/task:0"])
	assert.Equal(t, 9000, cfg.Listen.Port)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
service:
  coordinated_job_list:
    - name: worker
      num_tasks: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Listen.Port)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Empty(t, cfg.Agents)
	assert.Zero(t, cfg.Service.HeartbeatTimeoutMs)
}

func TestLoadRejectsEmptyJobList(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9000
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidJob(t *testing.T) {
	path := writeConfig(t, `
service:
  coordinated_job_list:
    - name: worker
      num_tasks: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
