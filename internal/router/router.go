// Package router resolves requested model names to a concrete upstream
// provider and model identifier. Alias and legacy tables are configuration
// data; resolution is deterministic for a given config snapshot.
package router

import (
	"strings"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/wire"
)

// Resolution is the outcome of a model lookup.
type Resolution struct {
	Provider string
	Model    string
}

// Router resolves model names against one configuration snapshot.
type Router struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve maps a requested model name or alias to (provider, concrete model).
// Resolution order: exact alias, exact concrete id, legacy mapping, failure.
func (r *Router) Resolve(name string) (Resolution, error) {
	if name == "" {
		return r.resolveTarget(r.cfg.Router.Default, name)
	}

	if target, ok := r.cfg.Router.Aliases[name]; ok {
		return r.resolveTarget(target, name)
	}

	for _, provider := range r.cfg.Providers {
		for _, model := range provider.Models {
			if model == name {
				return Resolution{Provider: provider.Name, Model: model}, nil
			}
		}
	}

	if target, ok := r.cfg.Router.Legacy[name]; ok {
		return r.resolveTarget(target, name)
	}

	return Resolution{}, &wire.UnknownModelError{Model: name}
}

// ResolveForTokens applies the long-context override before normal
// resolution when the estimated input size crosses the configured threshold.
func (r *Router) ResolveForTokens(name string, inputTokens int) (Resolution, error) {
	rc := r.cfg.Router
	if rc.LongContext != "" && inputTokens > rc.LongContextThreshold {
		return r.resolveTarget(rc.LongContext, name)
	}
	return r.Resolve(name)
}

// resolveTarget splits a "provider,model" routing target. A bare model name
// is looked up across provider model lists.
func (r *Router) resolveTarget(target, requested string) (Resolution, error) {
	if target == "" {
		return Resolution{}, &wire.UnknownModelError{Model: requested}
	}

	parts := strings.SplitN(target, ",", 2)
	if len(parts) == 2 {
		provider := strings.TrimSpace(parts[0])
		model := strings.TrimSpace(parts[1])
		if _, ok := r.cfg.FindProvider(provider); !ok {
			return Resolution{}, &wire.UnknownModelError{Model: requested}
		}
		return Resolution{Provider: provider, Model: model}, nil
	}

	model := strings.TrimSpace(target)
	for _, provider := range r.cfg.Providers {
		for _, m := range provider.Models {
			if m == model {
				return Resolution{Provider: provider.Name, Model: model}, nil
			}
		}
	}

	return Resolution{}, &wire.UnknownModelError{Model: requested}
}
