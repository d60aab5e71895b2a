package auth

import (
	"fmt"
	"strings"

	"github.com/coverwise/coverwise/internal/config"
)

// Client is the runtime representation of an API consumer.
type Client struct {
	ID string
}

// Auth holds mappings from API keys to clients.
type Auth struct {
	enabled        bool
	apiKeyToClient map[string]Client
}

// AnonymousClient is attributed to requests when auth is disabled.
var AnonymousClient = Client{ID: "anonymous"}

// NewFromConfig builds an Auth instance from the loaded config.
func NewFromConfig(cfg *config.Config) (*Auth, error) {
	m := make(map[string]Client)

	for _, c := range cfg.Auth.Clients {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			return nil, fmt.Errorf("client with empty id in config")
		}
		client := Client{ID: id}
		for _, key := range c.Keys() {
			if key == "" {
				continue
			}
			if owner, exists := m[key]; exists {
				return nil, fmt.Errorf("an api key is assigned to both %q and %q", owner.ID, id)
			}
			m[key] = client
		}
	}

	return &Auth{
		enabled:        cfg.Auth.Enabled,
		apiKeyToClient: m,
	}, nil
}

// Enabled reports whether requests must carry a known API key.
func (a *Auth) Enabled() bool { return a != nil && a.enabled }

// Lookup returns the client for a given API key, if any.
func (a *Auth) Lookup(apiKey string) (Client, bool) {
	if a == nil {
		return Client{}, false
	}
	c, ok := a.apiKeyToClient[apiKey]
	return c, ok
}
