// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a failover run. Everything has a code default;
// an optional yaml file overrides the defaults and CLI flags override both.
type Config struct {
	// PollInterval is the delay between convergence re-checks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollDeadline bounds every convergence wait; zero keeps the historical
	// behavior of waiting forever.
	PollDeadline time.Duration `yaml:"poll_deadline"`

	// PrismRateLimit caps REST calls per second against each gateway.
	PrismRateLimit float64 `yaml:"prism_rate_limit"`

	// CVMUser is the SSH account on the storage-controller VMs.
	CVMUser string `yaml:"cvm_user"`

	// SSHTimeout bounds the controller-shell dial.
	SSHTimeout time.Duration `yaml:"ssh_timeout"`

	// ShutdownTimer is how long guests get to shut down cleanly before the
	// sequencer starts forcing them off.
	ShutdownTimer time.Duration `yaml:"shutdown_timer"`

	// CVMShutdownWait is the fixed wait after controller-VM guest shutdown;
	// controller shutdown has no completion signal to poll.
	CVMShutdownWait time.Duration `yaml:"cvm_shutdown_wait"`

	// CredentialDir is where encrypted credential files live.
	CredentialDir string `yaml:"credential_dir"`

	// LogLevel is the zap level for console output.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		PollInterval:    15 * time.Second,
		PollDeadline:    0,
		PrismRateLimit:  5,
		CVMUser:         "nutanix",
		SSHTimeout:      30 * time.Second,
		ShutdownTimer:   300 * time.Second,
		CVMShutdownWait: 180 * time.Second,
		LogLevel:        "info",
	}
}

// Load reads the yaml file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("config: poll_interval must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}
