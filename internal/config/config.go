// Package config loads the three per-daemon configuration surfaces
// (NTS-KE server, NTP server, NTS client) from a YAML file, environment
// variables, and defaults, mirroring the teacher pack's viper-based
// configuration layering.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/thekuwayama/cfnts/internal/ntserr"
)

// envPrefix is the environment-variable namespace for every config
// field: NTS_LOGGING_LEVEL, NTS_BIND, etc.
const envPrefix = "NTS"

// RotationConfig controls the key-rotation engine's sliding window. It
// is shared by both daemons that run an Engine (the NTS-KE server and
// the NTP server), since they must agree on the same window shape to
// land on the same derived keys. The rotation engine derives its shared
// cache write-through TTL from these same values.
type RotationConfig struct {
	Duration        time.Duration `mapstructure:"duration" yaml:"duration"`
	ForwardPeriods  int           `mapstructure:"forward_periods" yaml:"forward_periods"`
	BackwardPeriods int           `mapstructure:"backward_periods" yaml:"backward_periods"`
}

// NTSKEConfig is the NTS-KE server's configuration surface.
type NTSKEConfig struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`

	Bind              string        `mapstructure:"bind" validate:"required" yaml:"bind"`
	NextPort          uint16        `mapstructure:"next_port" validate:"required" yaml:"next_port"`
	CookieKeyFile     string        `mapstructure:"cookie_key_file" validate:"required" yaml:"cookie_key_file"`
	CertFile          string        `mapstructure:"cert_file" validate:"required" yaml:"cert_file"`
	KeyFile           string        `mapstructure:"key_file" validate:"required" yaml:"key_file"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	MemcacheURL       string        `mapstructure:"memcache_url" yaml:"memcache_url"`
	MetricsBind       string        `mapstructure:"metrics_bind" yaml:"metrics_bind"`
	NumCookies        int           `mapstructure:"num_cookies" yaml:"num_cookies"`
}

// NTPConfig is the UDP NTP/NTS responder's configuration surface.
type NTPConfig struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`

	Bind          string `mapstructure:"bind" validate:"required" yaml:"bind"`
	CookieKeyFile string `mapstructure:"cookie_key_file" validate:"required" yaml:"cookie_key_file"`
	MemcacheURL   string `mapstructure:"memcache_url" yaml:"memcache_url"`
	MetricsBind   string `mapstructure:"metrics_bind" yaml:"metrics_bind"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`

	UpstreamHost string `mapstructure:"upstream_host" yaml:"upstream_host"`
	UpstreamPort uint16 `mapstructure:"upstream_port" yaml:"upstream_port"`
}

// NTSClientConfig is the NTS-KE client's configuration surface.
type NTSClientConfig struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	Host            string `mapstructure:"host" validate:"required" yaml:"host"`
	Port            uint16 `mapstructure:"port" yaml:"port"`
	TrustedCertFile string `mapstructure:"trusted_cert_file" yaml:"trusted_cert_file"`
	UseIPv4         *bool  `mapstructure:"use_ipv4" yaml:"use_ipv4"`
	UseIPv6         *bool  `mapstructure:"use_ipv6" yaml:"use_ipv6"`
}

// LoggingConfig controls the shared zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error" yaml:"level"`
}

// defaultRotation mirrors net/rotation.Config.withDefaults, so a config
// file that omits the rotation section and one that spells it out
// explicitly produce the same window.
func defaultRotation() RotationConfig {
	return RotationConfig{
		Duration:        time.Hour,
		ForwardPeriods:  2,
		BackwardPeriods: 24,
	}
}

func defaultNTSKE() NTSKEConfig {
	return NTSKEConfig{
		Logging:           LoggingConfig{Level: "info"},
		Rotation:          defaultRotation(),
		Bind:              ":4460",
		NextPort:          123,
		ConnectionTimeout: 15 * time.Second,
		NumCookies:        8,
	}
}

func defaultNTP() NTPConfig {
	return NTPConfig{
		Logging:  LoggingConfig{Level: "info"},
		Rotation: defaultRotation(),
		Bind:     ":123",
		Workers:  4,
	}
}

func defaultNTSClient() NTSClientConfig {
	return NTSClientConfig{
		Logging: LoggingConfig{Level: "info"},
		Port:    1234,
	}
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return v
}

func readFile(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config: file %s not found: %w", configPath, ntserr.ConfigFatal)
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w: %v", configPath, ntserr.ConfigFatal, err)
	}
	return nil
}

func unmarshal(v *viper.Viper, out interface{}) error {
	if err := v.Unmarshal(out, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return fmt.Errorf("config: unmarshal: %w: %v", ntserr.ConfigFatal, err)
	}
	return nil
}

var validate = validator.New()

func validateStruct(cfg interface{}) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w: %v", ntserr.ConfigFatal, err)
	}
	return nil
}

// LoadNTSKE loads the NTS-KE server's configuration from configPath (may
// be empty, meaning defaults plus environment only).
func LoadNTSKE(configPath string) (*NTSKEConfig, error) {
	cfg := defaultNTSKE()
	v := newViper(configPath)
	v.SetDefault("next_port", cfg.NextPort)
	v.SetDefault("bind", cfg.Bind)
	v.SetDefault("num_cookies", cfg.NumCookies)
	v.SetDefault("rotation.duration", cfg.Rotation.Duration)
	v.SetDefault("rotation.forward_periods", cfg.Rotation.ForwardPeriods)
	v.SetDefault("rotation.backward_periods", cfg.Rotation.BackwardPeriods)
	if err := readFile(v, configPath); err != nil {
		return nil, err
	}
	if err := unmarshal(v, &cfg); err != nil {
		return nil, err
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadNTP loads the NTP/NTS responder's configuration from configPath.
func LoadNTP(configPath string) (*NTPConfig, error) {
	cfg := defaultNTP()
	v := newViper(configPath)
	v.SetDefault("bind", cfg.Bind)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("rotation.duration", cfg.Rotation.Duration)
	v.SetDefault("rotation.forward_periods", cfg.Rotation.ForwardPeriods)
	v.SetDefault("rotation.backward_periods", cfg.Rotation.BackwardPeriods)
	if err := readFile(v, configPath); err != nil {
		return nil, err
	}
	if err := unmarshal(v, &cfg); err != nil {
		return nil, err
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadNTSClient loads the NTS-KE client's configuration from configPath.
func LoadNTSClient(configPath string) (*NTSClientConfig, error) {
	cfg := defaultNTSClient()
	v := newViper(configPath)
	v.SetDefault("port", cfg.Port)
	if err := readFile(v, configPath); err != nil {
		return nil, err
	}
	if err := unmarshal(v, &cfg); err != nil {
		return nil, err
	}
	if err := validateStruct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadCookieKey reads the master key file: raw bytes, at least 32 of
// them, used verbatim as the rotation engine's root secret.
func ReadCookieKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading cookie key file %s: %w: %v", path, ntserr.ConfigFatal, err)
	}
	if len(data) < 32 {
		return nil, fmt.Errorf("config: cookie key file %s shorter than 32 bytes: %w", path, ntserr.ConfigFatal)
	}
	return data, nil
}
