package cli

import (
	"tiller/internal/api"
	"tiller/internal/config"
	"tiller/pkg/logger"
)

// CLIContext carries shared state into command handlers.
type CLIContext struct {
	Config     *config.Config
	ConfigPath string
	Creds      api.CredentialStore
	API        *api.Client
	Verbose    bool
	Quiet      bool
}

// NewCLIContext creates the per-invocation CLI context.
func NewCLIContext(cfg *config.Config, configPath string, creds api.CredentialStore, verbose, quiet bool) *CLIContext {
	return &CLIContext{
		Config:     cfg,
		ConfigPath: configPath,
		Creds:      creds,
		API:        api.NewClient(cfg.Server.BaseURL, creds),
		Verbose:    verbose,
		Quiet:      quiet,
	}
}

// Close releases resources held by the context.
func (c *CLIContext) Close() error {
	return logger.Close()
}
