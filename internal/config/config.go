// Package config provides configuration management for fbmsg.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound indicates an explicit config path that does not exist.
var ErrConfigNotFound = errors.New("config not found")

// DefaultUserAgent is sent on every request and on the stream handshake.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config matches the structure of fbmsg.json
type Config struct {
	Account AccountConfig `json:"account" yaml:"account" mapstructure:"account"`
	Listen  ListenConfig  `json:"listen" yaml:"listen" mapstructure:"listen"`
	Gateway GatewayConfig `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`
}

// AccountConfig identifies the logged-in account and how to reach the server.
type AccountConfig struct {
	AppStatePath string `json:"appStatePath" yaml:"appStatePath" mapstructure:"appStatePath"`
	UserAgent    string `json:"userAgent" yaml:"userAgent" mapstructure:"userAgent" validate:"required"`
	Proxy        string `json:"proxy,omitempty" yaml:"proxy,omitempty" mapstructure:"proxy" validate:"omitempty,url"`
	PageID       string `json:"pageID,omitempty" yaml:"pageID,omitempty" mapstructure:"pageID" validate:"omitempty,numeric"`
}

// ListenConfig holds the listen flags.
type ListenConfig struct {
	Online           bool    `json:"online" yaml:"online" mapstructure:"online"`
	ListenEvents     bool    `json:"listenEvents" yaml:"listenEvents" mapstructure:"listenEvents"`
	ListenTyping     bool    `json:"listenTyping" yaml:"listenTyping" mapstructure:"listenTyping"`
	UpdatePresence   bool    `json:"updatePresence" yaml:"updatePresence" mapstructure:"updatePresence"`
	SelfListen       bool    `json:"selfListen" yaml:"selfListen" mapstructure:"selfListen"`
	AutoMarkDelivery bool    `json:"autoMarkDelivery" yaml:"autoMarkDelivery" mapstructure:"autoMarkDelivery"`
	AutoMarkRead     bool    `json:"autoMarkRead" yaml:"autoMarkRead" mapstructure:"autoMarkRead"`
	AutoReconnect    bool    `json:"autoReconnect" yaml:"autoReconnect" mapstructure:"autoReconnect"`
	EmitReady        bool    `json:"emitReady" yaml:"emitReady" mapstructure:"emitReady"`
	AckRatePerSecond float64 `json:"ackRatePerSecond" yaml:"ackRatePerSecond" mapstructure:"ackRatePerSecond" validate:"gte=0"`
	AckBurst         int     `json:"ackBurst" yaml:"ackBurst" mapstructure:"ackBurst" validate:"gte=0"`
}

// GatewayConfig configures the local HTTP surface.
type GatewayConfig struct {
	Enabled   bool            `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host      string          `json:"host" yaml:"host" mapstructure:"host" validate:"required"`
	Port      int             `json:"port" yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	Token     string          `json:"token,omitempty" yaml:"token,omitempty" mapstructure:"token"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps" validate:"gte=0"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Pretty bool   `json:"pretty" yaml:"pretty" mapstructure:"pretty"`

	// StatsSchedule logs listener counters periodically. Empty disables it.
	StatsSchedule string `json:"statsSchedule" yaml:"statsSchedule" mapstructure:"statsSchedule"`
}

// StateDir returns the fbmsg state directory path.
// Can be overridden via FBMSG_STATE_DIR environment variable.
// Default: ~/.fbmsg
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("FBMSG_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".fbmsg"
	}
	return filepath.Join(home, ".fbmsg")
}

// ConfigPath returns the default config file path.
// Can be overridden via FBMSG_CONFIG_PATH environment variable.
// Default: ~/.fbmsg/fbmsg.json
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("FBMSG_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "fbmsg.json")
}

// AppStatePath returns the cookie file path, falling back to
// ~/.fbmsg/appstate.json.
func (c *Config) AppStatePath() string {
	if p := strings.TrimSpace(c.Account.AppStatePath); p != "" {
		return expandPath(p)
	}
	return filepath.Join(StateDir(), "appstate.json")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance. A missing default
// config file is not an error; the defaults apply.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	explicit := strings.TrimSpace(os.Getenv("FBMSG_CONFIG_PATH"))
	if explicit != "" {
		expandedPath := expandPath(explicit)
		fileInfo, err := os.Stat(expandedPath)
		switch {
		case err == nil && fileInfo.IsDir():
			v.SetConfigName("fbmsg")
			v.AddConfigPath(expandedPath)
		case err == nil:
			v.SetConfigFile(expandedPath)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, expandedPath)
		default:
			return nil, err
		}
	} else {
		v.SetConfigName("fbmsg")
		v.AddConfigPath(StateDir())
	}

	// Env vars - use FBMSG_ prefix
	v.SetEnvPrefix("FBMSG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from file or environment variables.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Account.Proxy = os.ExpandEnv(cfg.Account.Proxy)
	cfg.Gateway.Token = os.ExpandEnv(cfg.Gateway.Token)
	return &cfg, nil
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values. Every key is registered so
// that FBMSG_ env overrides reach it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("account.appStatePath", "")
	v.SetDefault("account.userAgent", DefaultUserAgent)
	v.SetDefault("account.proxy", "")
	v.SetDefault("account.pageID", "")

	v.SetDefault("listen.online", true)
	v.SetDefault("listen.listenEvents", true)
	v.SetDefault("listen.listenTyping", false)
	v.SetDefault("listen.updatePresence", false)
	v.SetDefault("listen.selfListen", true)
	v.SetDefault("listen.autoMarkDelivery", true)
	v.SetDefault("listen.autoMarkRead", false)
	v.SetDefault("listen.autoReconnect", true)
	v.SetDefault("listen.emitReady", false)
	v.SetDefault("listen.ackRatePerSecond", 10)
	v.SetDefault("listen.ackBurst", 5)

	v.SetDefault("gateway.enabled", false)
	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 18790)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.rateLimit.enabled", true)
	v.SetDefault("gateway.rateLimit.rps", 20)
	v.SetDefault("gateway.rateLimit.burst", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.statsSchedule", "@every 5m")
}

// Save saves the configuration to the config file.
// Uses ConfigPath() for consistency with Load() - defaults to ~/.fbmsg/fbmsg.json
// Only JSON format is supported.
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// YAML renders the configuration for display.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
