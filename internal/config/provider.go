package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/tingly-dev/claude-box/internal/constant"
)

// ProviderModel declares one model served by a custom provider. The id may
// be a glob pattern; matching requests dispatch with the requested id
// unless upstream_id pins a rename.
type ProviderModel struct {
	ID                  string `yaml:"id" json:"id"`
	UpstreamID          string `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	ContextLength       int    `yaml:"context_length,omitempty" json:"context_length,omitempty"`
	MaxCompletionTokens int    `yaml:"max_completion_tokens,omitempty" json:"max_completion_tokens,omitempty"`
}

// Provider declares one OpenAI-compatible upstream endpoint.
type Provider struct {
	Name    string          `yaml:"name" json:"name"`
	BaseURL string          `yaml:"base_url" json:"base_url"`
	APIKey  string          `yaml:"api_key" json:"api_key"`
	Enabled *bool           `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Models  []ProviderModel `yaml:"models" json:"models"`
}

// Active reports whether the provider takes part in routing. Providers are
// enabled unless explicitly disabled.
func (p *Provider) Active() bool {
	return p.Enabled == nil || *p.Enabled
}

type providersFile struct {
	Providers []Provider `yaml:"providers"`
}

// ProvidersConfig manages the providers.yaml declaration file.
type ProvidersConfig struct {
	configFile string
	providers  []Provider
	mu         sync.RWMutex
}

// NewProvidersConfig loads providers.yaml from configDir. A missing file
// yields an empty provider list.
func NewProvidersConfig(configDir string) (*ProvidersConfig, error) {
	if configDir == "" {
		return nil, fmt.Errorf("config directory is empty")
	}
	pc := &ProvidersConfig{
		configFile: filepath.Join(configDir, constant.ProvidersFileName),
	}
	if err := pc.Reload(); err != nil {
		return nil, err
	}
	return pc, nil
}

// Reload re-reads providers.yaml and replaces the in-memory snapshot.
func (pc *ProvidersConfig) Reload() error {
	data, err := os.ReadFile(pc.configFile)
	if err != nil {
		if os.IsNotExist(err) {
			pc.mu.Lock()
			pc.providers = nil
			pc.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", pc.configFile, err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", pc.configFile, err)
	}
	if err := validateProviders(file.Providers); err != nil {
		return fmt.Errorf("invalid %s: %w", pc.configFile, err)
	}

	for i := range file.Providers {
		file.Providers[i].BaseURL = strings.TrimSuffix(file.Providers[i].BaseURL, "/")
	}

	pc.mu.Lock()
	pc.providers = file.Providers
	pc.mu.Unlock()
	return nil
}

// List returns a copy of the active providers.
func (pc *ProvidersConfig) List() []Provider {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	out := make([]Provider, 0, len(pc.providers))
	for _, p := range pc.providers {
		if p.Active() {
			out = append(out, p)
		}
	}
	return out
}

// ConfigFile returns the path of the watched declaration file.
func (pc *ProvidersConfig) ConfigFile() string {
	return pc.configFile
}

func validateProviders(providers []Provider) error {
	names := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name cannot be empty", i)
		}
		if names[p.Name] {
			return fmt.Errorf("provider[%d]: duplicate name %q", i, p.Name)
		}
		names[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("provider[%d] %s: base_url cannot be empty", i, p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider[%d] %s: at least one model is required", i, p.Name)
		}
		for j, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("provider[%d] %s: model[%d] id cannot be empty", i, p.Name, j)
			}
		}
	}
	return nil
}
