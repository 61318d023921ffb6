package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host      string
	Port      int64
	RateLimit float64 `mapstructure:"rate_limit"`
}

type MPCConfig struct {
	APIURL       string        `mapstructure:"api_url"`
	ProjectID    string        `mapstructure:"project_id"`
	APIKey       string        `mapstructure:"api_key"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration
}

// Validate reports the first missing coordinator setting.
func (c MPCConfig) Validate() error {
	if c.APIURL == "" {
		return errors.New("mpc.api_url is required")
	}
	if c.ProjectID == "" {
		return errors.New("mpc.project_id is required")
	}
	if c.APIKey == "" {
		return errors.New("mpc.api_key is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("mpc.poll_interval must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("mpc.timeout must be positive")
	}
	return nil
}

type LedgerConfig struct {
	ProgramID      string `mapstructure:"program_id"`
	Backend        string
	DSN            string
	AttestationKey string `mapstructure:"attestation_key"`
}

type RedisConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       int
}

type BlockStorageConfig struct {
	Host      string
	Region    string
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret"`
	Bucket    string
}

type DatadogConfig struct {
	Host string
	Port string
}

type SessionConfig struct {
	KeyHex     string `mapstructure:"key_hex"`
	Passphrase string
	Salt       string
}

type SweepConfig struct {
	Interval    time.Duration
	MaxAttempts int `mapstructure:"max_attempts"`
	Concurrency int
	// MinAge is how long a pending computation must sit untouched before the sweep recovers it.
	MinAge time.Duration `mapstructure:"min_age"`
}

type SimulatorConfig struct {
	ClusterKey  string   `mapstructure:"cluster_key"`
	SigningSeed string   `mapstructure:"signing_seed"`
	SessionKeys []string `mapstructure:"session_keys"`
	Concurrency int
	Retention   time.Duration
}

type Config struct {
	Server       ServerConfig
	MPC          MPCConfig `mapstructure:"mpc"`
	Ledger       LedgerConfig
	Redis        RedisConfig
	BlockStorage BlockStorageConfig `mapstructure:"block_storage"`
	Datadog      DatadogConfig
	Session      SessionConfig
	Sweep        SweepConfig
	Simulator    SimulatorConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 5)
	v.SetDefault("mpc.poll_interval", "2s")
	v.SetDefault("mpc.timeout", "2m")
	v.SetDefault("ledger.backend", "postgres")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("datadog.port", "8125")
	v.SetDefault("sweep.interval", "30s")
	v.SetDefault("sweep.max_attempts", 3)
	v.SetDefault("sweep.concurrency", 4)
	v.SetDefault("sweep.min_age", "5m")
	v.SetDefault("simulator.concurrency", 10)
	v.SetDefault("simulator.retention", "24h")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to reading config file, %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}

// ReadConfig reads <name>.yaml (or any format viper knows) from the working directory.
func ReadConfig(configName string) (*Config, error) {
	v := newViper()
	v.SetConfigName(configName)
	v.AddConfigPath(".")
	return decode(v)
}

// ReadConfigFile reads the config at an explicit path.
func ReadConfigFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	return decode(v)
}
