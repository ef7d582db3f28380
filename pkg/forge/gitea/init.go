package gitea

import (
	"fmt"

	"darwin/pkg/forge"
)

// init registers the Gitea client factory with the forge package.
func init() {
	forge.RegisterFactory(forge.ProviderGitea, newClientFromSettings)
}

// newClientFromSettings creates a Gitea client. Gitea has no public default host.
func newClientFromSettings(s forge.Settings) (forge.Client, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("gitea requires FORGE_URL")
	}
	c := NewClient(s.BaseURL, s.Token, s.Owner, s.Repo)
	if s.Timeout > 0 {
		c = c.WithTimeout(s.Timeout)
	}
	return c, nil
}
