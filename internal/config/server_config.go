package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tingly-dev/claude-box/internal/constant"
)

// ServerConfig is the persisted server configuration, stored as
// config.json in the config directory.
type ServerConfig struct {
	ServerPort  int    `json:"server_port"`
	Verbose     bool   `json:"verbose"`
	Debug       bool   `json:"debug"`
	OpenBrowser bool   `json:"open_browser"`
	ProxyURL    string `json:"proxy_url,omitempty"`

	// ErrorLogFilter is an expression selecting which failed requests are
	// dumped to the bad-requests log. Empty disables the dump.
	ErrorLogFilter string `json:"error_log_filter,omitempty"`

	ConfigFile string `json:"-"`

	mu sync.RWMutex
}

// NewServerConfig loads the server configuration from configDir, creating
// a default one when none exists.
func NewServerConfig(configDir string) (*ServerConfig, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory is empty")
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &ServerConfig{
		ConfigFile: filepath.Join(configDir, "config.json"),
	}

	if err := cfg.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
		cfg.ServerPort = constant.DefaultServerPort
		cfg.OpenBrowser = true
		if err := cfg.save(); err != nil {
			return nil, fmt.Errorf("failed to create default server config: %w", err)
		}
	}

	if cfg.ServerPort == 0 {
		cfg.ServerPort = constant.DefaultServerPort
		if err := cfg.save(); err != nil {
			return nil, fmt.Errorf("failed to set default server port: %w", err)
		}
	}

	return cfg, nil
}

func (c *ServerConfig) load() error {
	configFile := c.ConfigFile

	data, err := os.ReadFile(configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	c.ConfigFile = configFile
	return nil
}

func (c *ServerConfig) save() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("ConfigFile is empty")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigFile, data, 0600)
}

// GetServerPort returns the configured listen port.
func (c *ServerConfig) GetServerPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerPort
}

// SetServerPort updates the listen port.
func (c *ServerConfig) SetServerPort(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ServerPort = port
	return c.save()
}

// GetVerbose returns the verbose setting.
func (c *ServerConfig) GetVerbose() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Verbose
}

// SetVerbose updates the verbose setting.
func (c *ServerConfig) SetVerbose(verbose bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Verbose = verbose
	return c.save()
}

// GetDebug returns the debug setting.
func (c *ServerConfig) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug updates the debug setting.
func (c *ServerConfig) SetDebug(debug bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = debug
	return c.save()
}

// GetOpenBrowser returns whether login should open the system browser.
func (c *ServerConfig) GetOpenBrowser() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.OpenBrowser
}

// SetOpenBrowser updates the open browser setting.
func (c *ServerConfig) SetOpenBrowser(open bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenBrowser = open
	return c.save()
}

// GetProxyURL returns the outbound proxy URL, empty for direct dialing.
func (c *ServerConfig) GetProxyURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ProxyURL
}

// SetProxyURL updates the outbound proxy URL.
func (c *ServerConfig) SetProxyURL(proxyURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ProxyURL = proxyURL
	return c.save()
}

// GetErrorLogFilter returns the bad-request dump filter expression.
func (c *ServerConfig) GetErrorLogFilter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ErrorLogFilter
}

// SetErrorLogFilter updates the bad-request dump filter expression.
func (c *ServerConfig) SetErrorLogFilter(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ErrorLogFilter = filter
	return c.save()
}
