package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tiller/pkg/logger"
)

// Config is the application configuration root.
type Config struct {
	Server  ServerConfig     `mapstructure:"server" yaml:"server"`
	Session SessionConfig    `mapstructure:"session" yaml:"session"`
	Log     logger.LogConfig `mapstructure:"log" yaml:"log"`
	Cache   CacheConfig      `mapstructure:"cache" yaml:"cache"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	BaseURL    string `mapstructure:"base_url" yaml:"base_url"`
	WSPath     string `mapstructure:"ws_path" yaml:"ws_path"`
	TokenFile  string `mapstructure:"token_file" yaml:"token_file"`
	MinVersion string `mapstructure:"min_version" yaml:"min_version"`
}

// SessionConfig tunes the channel lifecycle.
type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `mapstructure:"heartbeat_grace" yaml:"heartbeat_grace"`
	ReconnectMin      time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	ApprovalTick      time.Duration `mapstructure:"approval_tick" yaml:"approval_tick"`
}

// CacheConfig configures the local transcript cache.
type CacheConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// WSURL derives the channel endpoint from the base URL: http becomes ws,
// https becomes wss.
func (c *ServerConfig) WSURL() (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base_url", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.WSPath
	return u.String(), nil
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load loads configuration with precedence ENV > file > defaults.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("TILLER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// A missing file is fine; a malformed one is not.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, err
			}
			if !os.IsNotExist(err) {
				var pathErr *os.PathError
				if !errors.As(err, &pathErr) {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the currently loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Save persists the current settings to the loaded config path.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}

	// 0600: the file may carry a token file path and server address.
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes cfg to the given path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears loaded state. Mainly for tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
