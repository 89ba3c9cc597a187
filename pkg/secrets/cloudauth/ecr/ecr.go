package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth"
)

// tokens are refreshed this long before ECR expires them
const expiryMargin = 5 * time.Minute

var registryRegex = regexp.MustCompile(
	`^(?P<account>[a-zA-Z\d][a-zA-Z\d-_]*)\.dkr\.ecr(-fips)?\.(?P<region>[a-zA-Z\d][a-zA-Z\d-_]*)\.amazonaws\.com(\.cn)?`,
)

type tokenClient interface {
	GetAuthorizationToken(
		ctx context.Context,
		params *ecr.GetAuthorizationTokenInput,
		optFns ...func(*ecr.Options),
	) (*ecr.GetAuthorizationTokenOutput, error)
}

type cachedAuth struct {
	auth      registry.AuthConfig
	expiresAt time.Time
}

type provider struct {
	clientFor func(region string) tokenClient
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAuth
}

func newProvider(clientFor func(region string) tokenClient) *provider {
	return &provider{
		clientFor: clientFor,
		now:       time.Now,
		cache:     map[string]cachedAuth{},
	}
}

// Register adds ECR when AWS configuration can be loaded. Without it the stage image simply
// cannot come from ECR.
func Register(ctx context.Context, logger logr.Logger, reg *cloudauth.Registry) error {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithEC2IMDSRegion())
	if err != nil {
		logger.Info("ECR not registered", "error", err)
		return nil
	}

	p := newProvider(func(region string) tokenClient {
		return ecr.NewFromConfig(cfg, func(o *ecr.Options) {
			o.Region = region
		})
	})
	reg.Register(registryRegex, p.authenticate)
	logger.Info("ECR registered")

	return nil
}

func (p *provider) authenticate(ctx context.Context, logger logr.Logger, server string) (*registry.AuthConfig, error) {
	logger = logger.WithName("ecr-auth-provider")

	match := registryRegex.FindStringSubmatch(server)
	if match == nil {
		err := fmt.Errorf("ECR URL is invalid: %q should match pattern %v", server, registryRegex)
		logger.Info(err.Error())
		return nil, err
	}
	host := match[0]
	region := match[registryRegex.SubexpIndex("region")]

	if ac, ok := p.cached(host); ok {
		logger.V(1).Info("Using cached ECR credentials", "server", host)
		return ac, nil
	}

	resp, err := p.clientFor(region).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		err = fmt.Errorf("failed to access ECR auth token: %w", err)
		logger.Info(err.Error())
		return nil, err
	}
	if len(resp.AuthorizationData) != 1 {
		err = fmt.Errorf("expected a single ECR authorization token, got %d", len(resp.AuthorizationData))
		logger.Info(err.Error())
		return nil, err
	}
	data := resp.AuthorizationData[0]

	username, password, err := decodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		err = fmt.Errorf("invalid ECR authorization token: %w", err)
		logger.Info(err.Error())
		return nil, err
	}

	ac := registry.AuthConfig{Username: username, Password: password, ServerAddress: host}
	if data.ExpiresAt != nil {
		p.store(host, ac, *data.ExpiresAt)
	}

	logger.Info("Successfully authenticated with ECR", "server", host, "region", region)
	return &ac, nil
}

func (p *provider) cached(host string) (*registry.AuthConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[host]
	if !ok || !p.now().Before(entry.expiresAt.Add(-expiryMargin)) {
		delete(p.cache, host)
		return nil, false
	}

	ac := entry.auth
	return &ac, true
}

func (p *provider) store(host string, ac registry.AuthConfig, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[host] = cachedAuth{auth: ac, expiresAt: expiresAt}
}

// decodeToken splits the base64 "user:password" pair ECR hands out.
func decodeToken(token string) (string, string, error) {
	if token == "" {
		return "", "", errors.New("token is blank")
	}

	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("cannot decode token: %w", err)
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", errors.New("token is not a user:password pair")
	}

	return username, password, nil
}
