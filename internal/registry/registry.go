// Package registry maps client-visible model identifiers to upstream
// identifiers and routing decisions. The listing mixes a declarative
// Anthropic catalog, synthesized reasoning and extended-context variants,
// and models declared by custom OpenAI-compatible providers.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/claude-box/internal/config"
	"github.com/tingly-dev/claude-box/internal/constant"
)

// ErrUnknownModel means no entry, alias or provider pattern matches the
// requested id.
var ErrUnknownModel = errors.New("unknown model")

const ownerAnthropic = "anthropic"

// Route says where a resolved model dispatches.
type Route string

const (
	// RouteAnthropic dispatches to the Anthropic Messages endpoint with
	// OAuth credentials.
	RouteAnthropic Route = "anthropic"

	// RouteCustom dispatches to a user-declared OpenAI-compatible
	// provider.
	RouteCustom Route = "custom"
)

// Entry is one registry record, doubling as the resolution result.
type Entry struct {
	// ID is the client-visible identifier.
	ID string

	// UpstreamID is the id sent upstream. For custom routes it may equal
	// ID when the provider declared no rename.
	UpstreamID string

	Created             int64
	OwnedBy             string
	ContextLength       int
	MaxCompletionTokens int

	// Level is the reasoning effort implied by the id, if any.
	Level ReasoningLevel

	// ExtendedContext opts the request into the 1M-token window.
	ExtendedContext bool

	// Hidden entries resolve but stay out of the listing.
	Hidden bool

	// Provider is set for custom routes.
	Provider *config.Provider
}

// Route returns the dispatch route of the entry.
func (e *Entry) Route() Route {
	if e.Provider != nil {
		return RouteCustom
	}
	return RouteAnthropic
}

type providerPattern struct {
	pattern  glob.Glob
	provider config.Provider
	model    config.ProviderModel
}

// Registry resolves model ids. Resolution is pure: the same id yields the
// same entry until the provider set is replaced.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	patterns []providerPattern
}

// New expands the declarative catalog and merges the given custom
// providers.
func New(providers []config.Provider) *Registry {
	r := &Registry{}
	r.SetProviders(providers)
	return r
}

// SetProviders rebuilds the registry with a fresh provider set. Wired as
// the providers.yaml hot-reload callback.
func (r *Registry) SetProviders(providers []config.Provider) {
	entries := make(map[string]Entry)
	var patterns []providerPattern

	for _, base := range baseCatalog {
		register(entries, Entry{
			ID:                  base.ID,
			UpstreamID:          base.UpstreamID,
			Created:             base.Created,
			OwnedBy:             ownerAnthropic,
			ContextLength:       base.ContextLength,
			MaxCompletionTokens: base.MaxCompletionTokens,
		})

		// Upstream-native ids resolve too, hidden from the listing.
		register(entries, Entry{
			ID:                  base.UpstreamID,
			UpstreamID:          base.UpstreamID,
			Created:             base.Created,
			OwnedBy:             ownerAnthropic,
			ContextLength:       base.ContextLength,
			MaxCompletionTokens: base.MaxCompletionTokens,
			Hidden:              true,
		})

		if base.Reasoning {
			for _, level := range reasoningSuffixes {
				register(entries, Entry{
					ID:                  fmt.Sprintf("%s-reasoning-%s", base.ID, level),
					UpstreamID:          base.UpstreamID,
					Created:             base.Created,
					OwnedBy:             ownerAnthropic,
					ContextLength:       base.ContextLength,
					MaxCompletionTokens: base.MaxCompletionTokens,
					Level:               level,
				})
			}
		}

		if base.ExtendedContext {
			register(entries, Entry{
				ID:                  base.ID + "-1m",
				UpstreamID:          base.UpstreamID,
				Created:             base.Created,
				OwnedBy:             ownerAnthropic,
				ContextLength:       1000000,
				MaxCompletionTokens: base.MaxCompletionTokens,
				ExtendedContext:     true,
			})
		}
	}

	for i := range providers {
		provider := providers[i]
		for _, model := range provider.Models {
			if strings.ContainsAny(model.ID, "*?[") {
				g, err := glob.Compile(model.ID)
				if err != nil {
					logrus.Warnf("registry: skipping invalid model pattern %q of provider %s: %v", model.ID, provider.Name, err)
					continue
				}
				patterns = append(patterns, providerPattern{pattern: g, provider: provider, model: model})
				continue
			}
			register(entries, providerEntry(provider, model, model.ID))
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.patterns = patterns
	r.mu.Unlock()
}

// register keeps the first declaration when two sources claim one id.
func register(entries map[string]Entry, e Entry) {
	if existing, ok := entries[e.ID]; ok {
		logrus.Warnf("registry: id %q already registered for upstream %s, ignoring duplicate", e.ID, existing.UpstreamID)
		return
	}
	entries[e.ID] = e
}

func providerEntry(provider config.Provider, model config.ProviderModel, id string) Entry {
	upstream := model.UpstreamID
	if upstream == "" {
		upstream = id
	}
	contextLength := model.ContextLength
	if contextLength == 0 {
		contextLength = 128000
	}
	maxCompletion := model.MaxCompletionTokens
	if maxCompletion == 0 {
		maxCompletion = constant.DefaultMaxTokens
	}
	p := provider
	return Entry{
		ID:                  id,
		UpstreamID:          upstream,
		OwnedBy:             provider.Name,
		ContextLength:       contextLength,
		MaxCompletionTokens: maxCompletion,
		Provider:            &p,
	}
}

// Resolve maps a client-visible id to its entry. Unregistered ids fall
// back to provider pattern matching, then to legacy suffix parsing.
func (r *Registry) Resolve(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e, nil
	}

	for _, pp := range r.patterns {
		if pp.pattern.Match(id) {
			return providerEntry(pp.provider, pp.model, id), nil
		}
	}

	if e, ok := r.resolveLegacy(id); ok {
		return e, nil
	}

	return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}

// resolveLegacy strips the -1m and -reasoning-<level> suffixes off an
// unregistered id and retries the bare id. An unknown level is ignored
// with a warning and the parse yields the bare id.
func (r *Registry) resolveLegacy(id string) (Entry, bool) {
	bare := id
	extended := false
	level := LevelNone

	if strings.HasSuffix(bare, "-1m") {
		bare = strings.TrimSuffix(bare, "-1m")
		extended = true
	}

	if i := strings.LastIndex(bare, "-reasoning-"); i >= 0 {
		parsed, ok := ParseLevel(bare[i+len("-reasoning-"):])
		if !ok {
			logrus.Warnf("registry: ignoring unknown reasoning level in %q", id)
		}
		level = parsed
		bare = bare[:i]
	}

	if bare == id {
		return Entry{}, false
	}

	e, ok := r.entries[bare]
	if !ok {
		return Entry{}, false
	}
	e.ID = id
	if level != LevelNone {
		e.Level = level
	}
	if extended {
		e.ExtendedContext = true
		e.ContextLength = 1000000
	}
	return e, true
}

// ListPublic returns the listing-visible entries sorted by id.
func (r *Registry) ListPublic() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.Hidden {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
