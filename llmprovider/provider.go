package llmprovider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
)

// Factory creates an iris provider from a name and API key.
type Factory func(name, apiKey string) (iriscore.Provider, error)

// RouterConfig configures a Router.
type RouterConfig struct {
	// APIKeys maps provider name to key. Missing keys are read from
	// <NAME>_API_KEY in the environment.
	APIKeys map[string]string
	// Factory defaults to the iris provider registry.
	Factory Factory
}

// Router is a Client that dispatches each request to the iris provider
// named in it, creating providers on first use.
type Router struct {
	mu        sync.Mutex
	cfg       RouterConfig
	providers map[string]*irisAdapter
}

var _ Client = (*Router)(nil)

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Factory == nil {
		cfg.Factory = func(name, apiKey string) (iriscore.Provider, error) {
			return providers.Create(name, apiKey)
		}
	}
	return &Router{cfg: cfg, providers: make(map[string]*irisAdapter)}
}

// Complete implements Client.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	a, err := r.adapter(req.Provider)
	if err != nil {
		return Response{}, err
	}
	return a.Complete(ctx, req)
}

func (r *Router) adapter(name string) (*irisAdapter, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("llmprovider: request has no provider")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.providers[key]; ok {
		return a, nil
	}
	apiKey, ok := r.cfg.APIKeys[key]
	if !ok {
		apiKey = os.Getenv(strings.ToUpper(key) + "_API_KEY")
	}
	p, err := r.cfg.Factory(key, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", key, err)
	}
	a := &irisAdapter{provider: p}
	r.providers[key] = a
	return a, nil
}

// NewClient creates a Client bound to a single iris provider.
func NewClient(name, apiKey string) (Client, error) {
	p, err := providers.Create(strings.ToLower(name), apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return &irisAdapter{provider: p}, nil
}
