package config

import (
	"fmt"
	"os"

	"github.com/tingly-dev/claude-box/internal/constant"
)

// AppConfig ties together everything kept under the config directory: the
// persisted server settings and the custom provider declarations.
type AppConfig struct {
	configDir string
	server    *ServerConfig
	providers *ProvidersConfig
	version   string
}

// AppConfigOption defines a functional option for AppConfig
type AppConfigOption func(*appConfigOptions)

type appConfigOptions struct {
	configDir string
}

// WithConfigDir sets a custom config directory for AppConfig
func WithConfigDir(dir string) AppConfigOption {
	return func(opts *appConfigOptions) {
		opts.configDir = dir
	}
}

// NewAppConfig creates a new application configuration with default options
func NewAppConfig(opts ...AppConfigOption) (*AppConfig, error) {
	options := &appConfigOptions{
		configDir: constant.GetConfDir(),
	}
	for _, opt := range opts {
		opt(options)
	}

	configDir := options.configDir
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := ensureDirectories(configDir); err != nil {
		return nil, fmt.Errorf("failed to ensure required directories: %w", err)
	}

	server, err := NewServerConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize server config: %w", err)
	}

	providers, err := NewProvidersConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize providers config: %w", err)
	}

	return &AppConfig{
		configDir: configDir,
		server:    server,
		providers: providers,
	}, nil
}

func (ac *AppConfig) ConfigDir() string {
	return ac.configDir
}

// Server returns the persisted server configuration.
func (ac *AppConfig) Server() *ServerConfig {
	return ac.server
}

// Providers returns the custom provider declarations.
func (ac *AppConfig) Providers() *ProvidersConfig {
	return ac.providers
}

// GetServerPort returns the configured server port
func (ac *AppConfig) GetServerPort() int {
	return ac.server.GetServerPort()
}

// SetServerPort updates the server port
func (ac *AppConfig) SetServerPort(port int) error {
	return ac.server.SetServerPort(port)
}

// GetVerbose returns verbose setting
func (ac *AppConfig) GetVerbose() bool {
	return ac.server.GetVerbose()
}

// SetVerbose updates verbose setting
func (ac *AppConfig) SetVerbose(verbose bool) error {
	return ac.server.SetVerbose(verbose)
}

// GetDebug returns debug setting
func (ac *AppConfig) GetDebug() bool {
	return ac.server.GetDebug()
}

// SetDebug updates debug setting
func (ac *AppConfig) SetDebug(debug bool) error {
	return ac.server.SetDebug(debug)
}

// GetOpenBrowser returns the open browser setting
func (ac *AppConfig) GetOpenBrowser() bool {
	return ac.server.GetOpenBrowser()
}

// SetOpenBrowser updates the open browser setting
func (ac *AppConfig) SetOpenBrowser(openBrowser bool) error {
	return ac.server.SetOpenBrowser(openBrowser)
}

func (ac *AppConfig) SetVersion(version string) {
	ac.version = version
}

func (ac *AppConfig) GetVersion() string {
	return ac.version
}

// ensureDirectories ensures all required directories exist, creating them
// if necessary.
func ensureDirectories(baseDir string) error {
	dirs := map[string]os.FileMode{
		baseDir:                     0700,
		constant.GetLogDir(baseDir): 0700,
		constant.GetDBDir(baseDir):  0700,
	}

	for dir, perm := range dirs {
		if err := os.MkdirAll(dir, perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
