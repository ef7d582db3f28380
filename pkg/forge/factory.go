package forge

import (
	"fmt"
	"time"
)

// Settings selects and configures a forge client.
type Settings struct {
	Provider Provider
	// BaseURL is the API root, e.g. https://api.github.com or http://gitea.local:3000.
	BaseURL string
	Token   string
	Owner   string
	Repo    string
	Timeout time.Duration
}

// factories holds the provider constructors. Provider packages register themselves in init
// so this package does not import them.
//
//nolint:gochecknoglobals // Factory pattern requires global registration
var factories = map[Provider]func(Settings) (Client, error){}

// RegisterFactory makes a provider available to NewClient.
func RegisterFactory(provider Provider, factory func(Settings) (Client, error)) {
	factories[provider] = factory
}

// NewClient creates the client for settings.Provider. GitHub is the default.
func NewClient(settings Settings) (Client, error) {
	if settings.Provider == "" {
		settings.Provider = ProviderGitHub
	}
	if settings.Token == "" {
		return nil, fmt.Errorf("%s token is not set", settings.Provider)
	}
	if settings.Owner == "" || settings.Repo == "" {
		return nil, fmt.Errorf("%s owner and repo must both be set", settings.Provider)
	}

	factory, ok := factories[settings.Provider]
	if !ok {
		return nil, fmt.Errorf("forge provider %q not registered", settings.Provider)
	}
	return factory(settings)
}
