// Package integrations maps a node's selected MCP server keys to the
// integration credentials those servers require. The mapping is a static
// table; unknown server keys resolve to nothing. A mapped but
// unconfigured integration produces a soft warning and execution
// continues with the configured subset.
package integrations

import (
	"fmt"
	"sort"
)

// Requirement names one integration credential an MCP server needs.
type Requirement struct {
	Provider string
	Key      string
	// EnvName is the variable the executor exposes the value under.
	EnvName string
}

// serverRequirements is the static MCP server → integration table.
var serverRequirements = map[string][]Requirement{
	"github": {
		{Provider: "github", Key: "token", EnvName: "GITHUB_TOKEN"},
	},
	"gitlab": {
		{Provider: "gitlab", Key: "token", EnvName: "GITLAB_TOKEN"},
	},
	"slack": {
		{Provider: "slack", Key: "bot_token", EnvName: "SLACK_BOT_TOKEN"},
	},
	"jira": {
		{Provider: "jira", Key: "api_token", EnvName: "JIRA_API_TOKEN"},
		{Provider: "jira", Key: "base_url", EnvName: "JIRA_BASE_URL"},
	},
	"s3": {
		{Provider: "aws", Key: "access_key_id", EnvName: "AWS_ACCESS_KEY_ID"},
		{Provider: "aws", Key: "secret_access_key", EnvName: "AWS_SECRET_ACCESS_KEY"},
	},
	"postgres": {
		{Provider: "postgres", Key: "dsn", EnvName: "POSTGRES_DSN"},
	},
}

// CredentialResolver is the slice of the credentials package this
// resolver consumes.
type CredentialResolver interface {
	Resolve(provider, key string) ([]byte, error)
}

// Bundle is the effective credential set for one node execution.
type Bundle struct {
	// Values maps env var name → decrypted value.
	Values map[string]string
	// Warnings records mapped-but-unconfigured integrations.
	Warnings []string
}

// Resolver computes effective integration bundles.
type Resolver struct {
	creds CredentialResolver
}

// NewResolver builds an integrations resolver over the credential store.
func NewResolver(creds CredentialResolver) *Resolver {
	return &Resolver{creds: creds}
}

// Requirements returns the integration requirements of one server key.
// Unknown keys return nil.
func Requirements(serverKey string) []Requirement {
	return serverRequirements[serverKey]
}

// KnownServers lists the server keys the static table maps, sorted.
func KnownServers() []string {
	keys := make([]string, 0, len(serverRequirements))
	for k := range serverRequirements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BundleFor resolves the credentials for a set of selected MCP server
// keys. Missing credentials are soft failures: the bundle carries the
// configured subset plus a warning per gap.
func (r *Resolver) BundleFor(serverKeys []string) Bundle {
	b := Bundle{Values: make(map[string]string)}
	seen := make(map[string]bool)
	for _, serverKey := range serverKeys {
		reqs, known := serverRequirements[serverKey]
		if !known {
			continue
		}
		for _, req := range reqs {
			if seen[req.EnvName] {
				continue
			}
			seen[req.EnvName] = true
			value, err := r.creds.Resolve(req.Provider, req.Key)
			if err != nil {
				b.Warnings = append(b.Warnings,
					fmt.Sprintf("mcp server %q requires integration %s/%s which is not configured", serverKey, req.Provider, req.Key))
				continue
			}
			b.Values[req.EnvName] = string(value)
		}
	}
	return b
}
