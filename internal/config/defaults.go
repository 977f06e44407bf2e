package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults installs default values for all configuration keys.
func SetDefaults() {
	// Server
	viper.SetDefault("server.base_url", "http://127.0.0.1:8080")
	viper.SetDefault("server.ws_path", "/ws/chat")
	viper.SetDefault("server.token_file", "~/.tiller/token")
	viper.SetDefault("server.min_version", "1.0.0")

	// Session channel
	viper.SetDefault("session.heartbeat_interval", 5*time.Second)
	viper.SetDefault("session.heartbeat_grace", 10*time.Second)
	viper.SetDefault("session.reconnect_min", 1*time.Second)
	viper.SetDefault("session.reconnect_max", 30*time.Second)
	viper.SetDefault("session.approval_tick", 1*time.Second)

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Transcript cache
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.path", "~/.tiller/transcripts.db")
}
