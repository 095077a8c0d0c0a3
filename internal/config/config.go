// Package config loads the coordinator configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cluster-coordinator/pkg/types"
)

// Config maps the YAML config file.
type Config struct {
	Service struct {
		HeartbeatTimeoutMs             int64                  `yaml:"heartbeat_timeout_in_ms"`
		ShutdownBarrierTimeoutMs       int64                  `yaml:"shutdown_barrier_timeout_in_ms"`
		AllowNewIncarnationToReconnect bool                   `yaml:"allow_new_incarnation_to_reconnect"`
		CoordinatedJobs                []types.CoordinatedJob `yaml:"coordinated_job_list"`
		RecoverableJobs                []string               `yaml:"recoverable_jobs"`
	} `yaml:"service"`

	// Agents maps canonical task names to agent addresses. A non-empty map
	// selects push-mode error delivery.
	Agents map[string]string `yaml:"agents"`

	Listen struct {
		Port int `yaml:"port"`
	} `yaml:"listen"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Load reads and validates the config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Service.CoordinatedJobs) == 0 {
		return nil, fmt.Errorf("config must declare at least one coordinated job")
	}
	for _, job := range cfg.Service.CoordinatedJobs {
		if job.Name == "" || job.NumTasks <= 0 {
			return nil, fmt.Errorf("invalid coordinated job %q with %d tasks", job.Name, job.NumTasks)
		}
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8080
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	return &cfg, nil
}
