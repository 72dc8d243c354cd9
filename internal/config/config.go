// Package config provides configuration management for the engine.
//
// Configuration is loaded with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (DDSENGINE_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
//
// The package uses Viper for configuration binding.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrBadClients = errors.New("config: max_clients must be positive")
	ErrBadBuffs   = errors.New("config: max_buffs must be positive")
	ErrBadWeight  = errors.New("config: data_plane_weight must be positive")
	ErrNoDataDir  = errors.New("config: data_dir is required")
)

// Config holds all configuration for the engine daemon.
type Config struct {
	// Listen address for the connection manager.
	ListenAddr string `mapstructure:"listen_addr"`
	ListenPort int    `mapstructure:"listen_port"`

	// RNIC device name.
	DeviceName string `mapstructure:"device_name"`

	// Preallocated connection slots.
	MaxClients int `mapstructure:"max_clients"`
	MaxBuffs   int `mapstructure:"max_buffs"`

	// Per-connection request-context arena size.
	MaxOutstandingIO int `mapstructure:"max_outstanding_io"`

	// Agent iterations between control-plane passes.
	DataPlaneWeight int `mapstructure:"data_plane_weight"`

	// Response batching and tail-notification mode.
	BatchResponses  bool `mapstructure:"batch_responses"`
	NotifyInterrupt bool `mapstructure:"notify_interrupt"`

	// File service storage.
	DataDir       string `mapstructure:"data_dir"`
	CapacityBytes uint64 `mapstructure:"capacity_bytes"`

	// Cache table geometry and optional preload.
	CacheTablePower  uint   `mapstructure:"cache_table_power"`
	CachePreloadPath string `mapstructure:"cache_preload_path"`

	// Admin endpoint serving metrics and health.
	AdminPort int `mapstructure:"admin_port"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
}

// Options carries flag overrides into Load.
type Options struct {
	DataDir    string
	ListenAddr string
	ListenPort int
	AdminPort  int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "0.0.0.0")
	v.SetDefault("listen_port", 4420)
	v.SetDefault("device_name", "mlx5_0")
	v.SetDefault("max_clients", 8)
	v.SetDefault("max_buffs", 8)
	v.SetDefault("max_outstanding_io", 256)
	v.SetDefault("data_plane_weight", 8)
	v.SetDefault("batch_responses", true)
	v.SetDefault("notify_interrupt", false)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("capacity_bytes", uint64(64)<<30)
	v.SetDefault("cache_table_power", 16)
	v.SetDefault("cache_preload_path", "")
	v.SetDefault("admin_port", 9101)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from the optional file path, the environment, and
// the given overrides.
func Load(path string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DDSENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}
	if opts.ListenAddr != "" {
		v.Set("listen_addr", opts.ListenAddr)
	}
	if opts.ListenPort != 0 {
		v.Set("listen_port", opts.ListenPort)
	}
	if opts.AdminPort != 0 {
		v.Set("admin_port", opts.AdminPort)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.MaxClients <= 0 {
		return ErrBadClients
	}
	if c.MaxBuffs <= 0 {
		return ErrBadBuffs
	}
	if c.DataPlaneWeight <= 0 {
		return ErrBadWeight
	}
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	return nil
}

// Endpoint formats the listen address for the connection manager.
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}
