package main

import (
	"fmt"

	"github.com/daimatz/asmhook/pkg/cache"
	"github.com/daimatz/asmhook/pkg/config"
	"github.com/daimatz/asmhook/pkg/hook"
	"github.com/daimatz/asmhook/pkg/hookdef"
	"github.com/daimatz/asmhook/pkg/transform"
)

// host is everything a run needs after bootstrap.
type host struct {
	transformer *transform.Transformer
	cache       *cache.Cache
}

func (h *host) Close() error {
	if h.cache != nil {
		return h.cache.Close()
	}
	return nil
}

// bootstrap builds the resolver, loads every hook file into a frozen
// registry and opens the cache. Any hook construction error is fatal.
func bootstrap(cfg *config.Config) (*host, error) {
	resolver, err := cfg.Resolver()
	if err != nil {
		return nil, fmt.Errorf("naming: %w", err)
	}

	registry := transform.NewRegistry()
	for _, path := range cfg.Hooks.Files {
		hooks, err := hookdef.Load(path, resolver)
		if err != nil {
			return nil, err
		}
		for _, h := range hooks {
			if err := registry.Register(h); err != nil {
				return nil, err
			}
		}
	}

	dispatcher, err := transform.NewDispatcher(registry, hook.NewEngine(hook.WithSearchMode(cfg.SearchMode())))
	if err != nil {
		return nil, err
	}
	log.Notice("hooks registered",
		"hooks", registry.Len(),
		"classes", len(registry.Classes()),
		"mode", resolver.Mode().String(),
		"fingerprint", registry.Fingerprint())

	h := &host{}
	var store transform.Store
	if cfg.Cache.Enabled {
		if h.cache, err = cache.Open(cfg.Cache.Path); err != nil {
			return nil, fmt.Errorf("cache %s: %w", cfg.Cache.Path, err)
		}
		store = h.cache
	}
	h.transformer = transform.NewTransformer(dispatcher, store)
	return h, nil
}
