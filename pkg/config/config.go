// Package config loads entitymesh node configuration from YAML files and
// environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"entitymesh/pkg/utils"
)

// Config is the unified configuration for an entitymesh node: transport,
// replication, authority, prediction, codec, admin and logging settings.
// It has no keys for MTU, heartbeat interval or timeout, minimum RTO,
// maximum connections, transport mode, or switches enabling replication or
// interest management.
type Config struct {
	Transport struct {
		ListenAddr     string        `mapstructure:"listen_addr" json:"listen_addr"`
		SendRatePerSec float64       `mapstructure:"send_rate_per_sec" json:"send_rate_per_sec"`
		MaxQueue       int           `mapstructure:"max_queue" json:"max_queue"`
		Overflow       string        `mapstructure:"overflow" json:"overflow"`
		FragmentTTL    time.Duration `mapstructure:"fragment_ttl" json:"fragment_ttl"`
		MaxRetries     int           `mapstructure:"max_retries" json:"max_retries"`
	} `mapstructure:"transport" json:"transport"`

	Replication struct {
		TickRate       time.Duration `mapstructure:"tick_rate" json:"tick_rate"`
		SnapshotDepth  int           `mapstructure:"snapshot_depth" json:"snapshot_depth"`
		InterestRadius float64       `mapstructure:"interest_radius" json:"interest_radius"`
	} `mapstructure:"replication" json:"replication"`

	Authority struct {
		ViolationLimit int `mapstructure:"violation_limit" json:"violation_limit"`
	} `mapstructure:"authority" json:"authority"`

	Prediction struct {
		RollbackThreshold   float64       `mapstructure:"rollback_threshold" json:"rollback_threshold"`
		InterpWindow        int           `mapstructure:"interp_window" json:"interp_window"`
		MaxPredictionFrames int           `mapstructure:"max_prediction_frames" json:"max_prediction_frames"`
		InterpolationDelay  time.Duration `mapstructure:"interpolation_delay" json:"interpolation_delay"`
		ExtrapolationLimit  time.Duration `mapstructure:"extrapolation_limit" json:"extrapolation_limit"`
	} `mapstructure:"prediction" json:"prediction"`

	Codec struct {
		Compression string `mapstructure:"compression" json:"compression"` // none|zstd|lz4
		Encryption  string `mapstructure:"encryption" json:"encryption"`   // none|aes-gcm|chacha20poly1305
		EncryptKey  string `mapstructure:"encrypt_key" json:"encrypt_key"`
	} `mapstructure:"codec" json:"codec"`

	Admin struct {
		Addr string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"admin" json:"admin"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads config/default.yaml (and config/<env>.yaml as an override
// merge if env is non-empty), then applies ENTITYMESH_-prefixed
// environment variable overrides. A .env file in the working directory is
// loaded first if present.
func Load(env string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("default")
	v.AddConfigPath("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.SetEnvPrefix("ENTITYMESH")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the ENTITYMESH_ENV environment
// variable to select an optional override file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ENTITYMESH_ENV", ""))
}
