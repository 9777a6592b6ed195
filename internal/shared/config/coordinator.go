package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig contains all configuration for the coordinator service.
type CoordinatorConfig struct {
	REST    RESTConfig              `mapstructure:"rest"`
	Policy  CoordinatorPolicyConfig `mapstructure:"policy"`
	Logging LoggingConfig           `mapstructure:"logging"`
}

// RESTConfig contains intake API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// CoordinatorPolicyConfig holds the failure-handling and dispatch
// tunables, configurable rather than hardcoded, plus the timeout
// monitor's thresholds.
type CoordinatorPolicyConfig struct {
	// MaxFailureRate is the number of times a task may fail before the
	// job is killed.
	MaxFailureRate int `mapstructure:"max_failure_rate"`
	// FailedMinPause/FailedMaxPause/FailedPauseRandomize parameterize
	// the retry backoff formula.
	FailedMinPause       time.Duration `mapstructure:"failed_min_pause"`
	FailedMaxPause       time.Duration `mapstructure:"failed_max_pause"`
	FailedPauseRandomize time.Duration `mapstructure:"failed_pause_randomize"`
	// InputFailureCap is the per-host failure count, for a single
	// input-id, past which that host is no longer considered usable.
	InputFailureCap int `mapstructure:"input_failure_cap"`
	// SubmitWorkers bounds the Submission Dispatcher's concurrent
	// scheduler RPCs.
	SubmitWorkers int `mapstructure:"submit_workers"`
	// SubmitTimeout bounds a single scheduler.NewTask/NewJob call.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	// SubmitMaxAttempts/SubmitRetryBaseDelay parameterize the bounded
	// retry wrapped around the Scheduler.
	SubmitMaxAttempts    int           `mapstructure:"submit_max_attempts"`
	SubmitRetryBaseDelay time.Duration `mapstructure:"submit_retry_base_delay"`
	// MapTimeout/ReduceTimeout are the stall thresholds the task
	// timeout monitor sweeps against.
	MapTimeout           time.Duration `mapstructure:"map_timeout"`
	ReduceTimeout        time.Duration `mapstructure:"reduce_timeout"`
	TimeoutCheckInterval time.Duration `mapstructure:"timeout_check_interval"`
	// MailboxSize bounds the coordinator agent's message buffer.
	MailboxSize int `mapstructure:"mailbox_size"`
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with GOMR_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 15*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)

	v.SetDefault("policy.max_failure_rate", 3)
	v.SetDefault("policy.failed_min_pause", 1*time.Second)
	v.SetDefault("policy.failed_max_pause", 30*time.Second)
	v.SetDefault("policy.failed_pause_randomize", 2*time.Second)
	v.SetDefault("policy.input_failure_cap", 3)
	v.SetDefault("policy.submit_workers", 8)
	v.SetDefault("policy.submit_timeout", 10*time.Second)
	v.SetDefault("policy.submit_max_attempts", 3)
	v.SetDefault("policy.submit_retry_base_delay", 500*time.Millisecond)
	v.SetDefault("policy.map_timeout", 10*time.Minute)
	v.SetDefault("policy.reduce_timeout", 10*time.Minute)
	v.SetDefault("policy.timeout_check_interval", 15*time.Second)
	v.SetDefault("policy.mailbox_size", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("coordinator")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("GOMR_COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
