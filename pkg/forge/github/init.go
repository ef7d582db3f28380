package github

import (
	"darwin/pkg/forge"
)

// init registers the GitHub client factory with the forge package.
func init() {
	forge.RegisterFactory(forge.ProviderGitHub, newClientFromSettings)
}

// newClientFromSettings creates a GitHub forge client.
func newClientFromSettings(s forge.Settings) (forge.Client, error) {
	c := NewClient(s.BaseURL, s.Token, s.Owner, s.Repo)
	if s.Timeout > 0 {
		c = c.WithTimeout(s.Timeout)
	}
	return c, nil
}
