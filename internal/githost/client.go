// Package githost wraps the source-control host's REST API: installation
// token issuance, deployment status updates and release-asset retention.
package githost

import (
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
)

// NewClient returns a REST client authenticated with token. baseURL
// overrides the default api.github.com endpoint (enterprise hosts); empty
// means the public host.
func NewClient(baseURL, token string) (*github.Client, error) {
	c := github.NewClient(nil)
	if baseURL != "" {
		var err error
		c, err = c.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("set api base url %q: %w", baseURL, err)
		}
	}
	if token != "" {
		c = c.WithAuthToken(token)
	}
	return c, nil
}

// SplitRepo splits an "owner/repo" full name.
func SplitRepo(full string) (owner, name string, err error) {
	parts := strings.SplitN(full, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository name %q is not owner/repo", full)
	}
	return parts[0], parts[1], nil
}
