package cloudauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docker/distribution/registry/client/auth/challenge"
)

// AuthDirective is the bearer challenge a registry answers anonymous requests with.
type AuthDirective struct {
	Service string
	Realm   string
}

// LoginChallenger discovers the token service of a registry.
type LoginChallenger func(ctx context.Context, loginServerURL string) (*AuthDirective, error)

// DefaultHTTPClient is shared by the cloud providers for registry round trips.
var DefaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   2 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	},
}

// ChallengeLoginServer pings the registry API anonymously and returns its bearer challenge.
func ChallengeLoginServer(ctx context.Context, loginServerURL string) (*AuthDirective, error) {
	endpoint, err := url.JoinPath(loginServerURL, "/v2/")
	if err != nil {
		return nil, fmt.Errorf("invalid login server %q: %w", loginServerURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := DefaultHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry %q is unreachable: %w", loginServerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("registry %q did not challenge, status %d", loginServerURL, resp.StatusCode)
	}

	for _, c := range challenge.ResponseChallenges(resp) {
		if !strings.EqualFold(c.Scheme, "bearer") {
			continue
		}

		directive := &AuthDirective{Service: c.Parameters["service"], Realm: c.Parameters["realm"]}
		if directive.Realm == "" {
			return nil, fmt.Errorf("registry %q issued a bearer challenge without a realm", loginServerURL)
		}
		return directive, nil
	}

	return nil, fmt.Errorf("registry %q did not issue a bearer challenge", loginServerURL)
}
