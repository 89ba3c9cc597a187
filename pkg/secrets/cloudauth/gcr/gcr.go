package gcr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	oauthUsername      = "oauth2accesstoken"
)

var gcrRegex = regexp.MustCompile(`.*-docker\.pkg\.dev|(?:.*\.)?gcr\.io`)

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

type provider struct {
	tokenSource oauth2.TokenSource
	challenge   cloudauth.LoginChallenger
	client      *http.Client
}

// Register adds GCR and Artifact Registry when Google application default credentials exist.
func Register(ctx context.Context, logger logr.Logger, reg *cloudauth.Registry) error {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		logger.Info("GCR not registered", "error", err)
		if strings.Contains(err.Error(), "could not find default credentials") {
			return nil
		}
		return err
	}

	p := &provider{
		tokenSource: creds.TokenSource,
		challenge:   cloudauth.ChallengeLoginServer,
		client:      cloudauth.DefaultHTTPClient,
	}
	reg.Register(gcrRegex, p.authenticate)
	logger.Info("GCR registered")

	return nil
}

func (p *provider) authenticate(ctx context.Context, logger logr.Logger, server string) (*registry.AuthConfig, error) {
	logger = logger.WithName("gcr-auth-provider")

	match := gcrRegex.FindAllString(server, -1)
	if len(match) != 1 {
		err := fmt.Errorf("invalid GCR URL %s should match %s", server, gcrRegex)
		logger.Info(err.Error())
		return nil, err
	}

	token, err := p.tokenSource.Token()
	if err != nil {
		err = fmt.Errorf("unable to access GCR token from oauth: %w", err)
		logger.Info(err.Error())
		return nil, err
	}

	// the access token is enough to pull; exchanging it proves the registry accepts it
	loginServerURL := "https://" + match[0]
	directive, err := p.challenge(ctx, loginServerURL)
	if err != nil {
		err = fmt.Errorf("GCR registry %q is unusable: %w", loginServerURL, err)
		logger.Info(err.Error())
		return nil, err
	}
	if err = p.exchange(ctx, directive, token.AccessToken); err != nil {
		logger.Info(err.Error())
		return nil, err
	}

	logger.Info("Successfully authenticated with GCR", "server", server)
	return &registry.AuthConfig{
		Username:      oauthUsername,
		Password:      token.AccessToken,
		ServerAddress: match[0],
	}, nil
}

func (p *provider) exchange(ctx context.Context, directive *cloudauth.AuthDirective, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directive.Realm, nil)
	if err != nil {
		return fmt.Errorf("bad realm provided by GCR: %w", err)
	}

	v := url.Values{}
	v.Set("service", directive.Service)
	v.Set("client_id", "sweeper")
	req.URL.RawQuery = v.Encode()
	req.SetBasicAuth(oauthUsername, accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to access GCR registry token failed: %w", err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("unable to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to obtain token, received unexpected response code %d: %q", resp.StatusCode, content)
	}

	var tr tokenResponse
	if err = json.Unmarshal(content, &tr); err != nil {
		return fmt.Errorf("failed unmarshal json token response: %w", err)
	}
	if tr.Token == "" && tr.AccessToken == "" {
		return fmt.Errorf("no GCR token in bearer response")
	}

	return nil
}
