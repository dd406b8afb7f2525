package artifact

import (
	"context"
	"os"
	"sort"
	"strings"
)

// TokenEnv is the variable holding the code-host token.
const TokenEnv = "GITHUB_TOKEN"

// CredentialProvider resolves credentials for upstream hosts.
type CredentialProvider interface {
	Resolve(ctx context.Context, upstreamHost string) (token string, err error)
}

// EnvCredentialProvider reads credentials at construction time. It maps
// upstream hosts to variable names:
//
//	github.com -> GITHUB_TOKEN
type EnvCredentialProvider struct {
	hostTokens map[string]string
}

// NewEnvCredentialProvider creates a provider from lookup, which defaults to
// the process environment. Callers layer a .env file underneath it.
func NewEnvCredentialProvider(lookup func(string) (string, bool)) *EnvCredentialProvider {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	p := &EnvCredentialProvider{
		hostTokens: make(map[string]string),
	}
	hostEnvMap := map[string]string{
		"github.com": TokenEnv,
	}
	for host, envVar := range hostEnvMap {
		if v, ok := lookup(envVar); ok {
			if v = strings.TrimSpace(v); v != "" {
				p.hostTokens[host] = v
			}
		}
	}
	return p
}

// Resolve returns the credential for the given upstream host. Returns empty
// string if no credential is configured.
func (p *EnvCredentialProvider) Resolve(_ context.Context, upstreamHost string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(upstreamHost))
	return p.hostTokens[host], nil
}

// ConfiguredHosts returns a sorted list of upstream hosts with configured tokens.
func (p *EnvCredentialProvider) ConfiguredHosts() []string {
	hosts := make([]string, 0, len(p.hostTokens))
	for host := range p.hostTokens {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Tokens returns every configured token so callers can register them for
// log redaction.
func (p *EnvCredentialProvider) Tokens() []string {
	out := make([]string, 0, len(p.hostTokens))
	for _, host := range p.ConfiguredHosts() {
		out = append(out, p.hostTokens[host])
	}
	return out
}
