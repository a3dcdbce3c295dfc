package integrations

import (
	"errors"
	"strings"
	"testing"
)

type fakeCreds struct {
	values map[string]string
}

func (f *fakeCreds) Resolve(provider, key string) ([]byte, error) {
	v, ok := f.values[provider+"/"+key]
	if !ok {
		return nil, errors.New("not configured")
	}
	return []byte(v), nil
}

func TestBundleForConfigured(t *testing.T) {
	r := NewResolver(&fakeCreds{values: map[string]string{
		"github/token": "ghp_abc",
	}})

	b := r.BundleFor([]string{"github"})
	if b.Values["GITHUB_TOKEN"] != "ghp_abc" {
		t.Errorf("values = %v", b.Values)
	}
	if len(b.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", b.Warnings)
	}
}

func TestBundleForMissingIsSoftWarning(t *testing.T) {
	r := NewResolver(&fakeCreds{values: map[string]string{
		"github/token": "ghp_abc",
	}})

	b := r.BundleFor([]string{"github", "slack"})
	if b.Values["GITHUB_TOKEN"] != "ghp_abc" {
		t.Errorf("configured subset missing: %v", b.Values)
	}
	if _, ok := b.Values["SLACK_BOT_TOKEN"]; ok {
		t.Error("unconfigured integration resolved a value")
	}
	if len(b.Warnings) != 1 || !strings.Contains(b.Warnings[0], "slack") {
		t.Errorf("warnings = %v", b.Warnings)
	}
}

func TestBundleForUnknownServerKey(t *testing.T) {
	r := NewResolver(&fakeCreds{})
	b := r.BundleFor([]string{"no-such-server"})
	if len(b.Values) != 0 || len(b.Warnings) != 0 {
		t.Errorf("unknown key produced output: %+v", b)
	}
}

func TestBundleForMultiRequirementServer(t *testing.T) {
	r := NewResolver(&fakeCreds{values: map[string]string{
		"jira/api_token": "tok",
		"jira/base_url":  "https://jira.example.com",
	}})

	b := r.BundleFor([]string{"jira"})
	if b.Values["JIRA_API_TOKEN"] != "tok" || b.Values["JIRA_BASE_URL"] != "https://jira.example.com" {
		t.Errorf("values = %v", b.Values)
	}
}

func TestKnownServersSorted(t *testing.T) {
	keys := KnownServers()
	if len(keys) == 0 {
		t.Fatal("no known servers")
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("keys not sorted: %v", keys)
		}
	}
}
