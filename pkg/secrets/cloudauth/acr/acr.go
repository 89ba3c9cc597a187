package acr

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/preview/containerregistry/runtime/2019-08-15-preview/containerregistry"
	"github.com/Azure/azure-sdk-for-go/services/preview/containerregistry/runtime/2019-08-15-preview/containerregistry/containerregistryapi"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure/auth"
	"github.com/Azure/go-autorest/autorest/to"
	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth"
)

// https://github.com/Azure/acr/blob/main/docs/AAD-OAuth.md
const acrUserForRefreshToken = "00000000-0000-0000-0000-000000000000"

var acrRegex = regexp.MustCompile(`.*\.azurecr\.io|.*\.azurecr\.cn|.*\.azurecr\.de|.*\.azurecr\.us`)

type refreshTokensClientFunc func(loginURL string) containerregistryapi.RefreshTokensClientAPI

type servicePrincipalToken interface {
	adal.RefresherWithContext
	adal.OAuthTokenProvider
}

type provider struct {
	tenantID      string
	token         servicePrincipalToken
	challenge     cloudauth.LoginChallenger
	refreshTokens refreshTokensClientFunc
	retryDelay    time.Duration
}

// Register adds ACR when AZURE_TENANT_ID and AZURE_CLIENT_ID are both set. Invalid Azure settings
// are an error.
func Register(ctx context.Context, logger logr.Logger, reg *cloudauth.Registry) error {
	_, tenantIDDefined := os.LookupEnv(auth.TenantID)
	_, clientIDDefined := os.LookupEnv(auth.ClientID)
	if !(tenantIDDefined && clientIDDefined) {
		logger.Info(fmt.Sprintf("ACR not registered, %s or %s is absent", auth.TenantID, auth.ClientID))
		return nil
	}

	p, err := newProvider(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to create ACR authentication provider: %w", err)
	}

	reg.Register(acrRegex, p.authenticate)
	logger.Info("ACR registered")

	return nil
}

func newProvider(ctx context.Context, logger logr.Logger) (*provider, error) {
	settings, err := auth.GetSettingsFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cannot get settings from env: %w", err)
	}

	p := &provider{
		tenantID:   settings.Values[auth.TenantID],
		challenge:  cloudauth.ChallengeLoginServer,
		retryDelay: time.Second,
		refreshTokens: func(loginURL string) containerregistryapi.RefreshTokensClientAPI {
			client := containerregistry.NewRefreshTokensClient(loginURL)
			return &client
		},
	}

	var token *adal.ServicePrincipalToken
	if cc, ccErr := settings.GetClientCredentials(); ccErr == nil {
		if token, err = cc.ServicePrincipalToken(); err != nil {
			return nil, fmt.Errorf("retrieving service principal token failed: %w", err)
		}
	} else {
		// IMDS can take a moment to come up on fresh nodes
		err = p.retry(ctx, logger, func() error {
			var msiErr error
			token, msiErr = settings.GetMSI().ServicePrincipalToken()
			return msiErr
		})
		if err != nil {
			return nil, fmt.Errorf("retrieving service principal token from MSI failed: %w", err)
		}
	}
	p.token = token

	return p, nil
}

func (p *provider) authenticate(ctx context.Context, logger logr.Logger, server string) (*registry.AuthConfig, error) {
	logger = logger.WithName("acr-auth-provider")

	match := acrRegex.FindAllString(server, -1)
	if len(match) != 1 {
		err := fmt.Errorf("ACR URL is invalid: %q should match pattern %v", server, acrRegex)
		logger.Info(err.Error())
		return nil, err
	}

	err := p.retry(ctx, logger, func() error {
		return p.token.EnsureFreshWithContext(ctx)
	})
	if err != nil {
		logger.Error(err, "Failed to refresh AAD token")
		return nil, fmt.Errorf("failed to refresh AAD token: %w", err)
	}

	loginServerURL := "https://" + match[0]
	directive, err := p.challenge(ctx, loginServerURL)
	if err != nil {
		logger.Error(err, "ACR cloud authentication failed")
		return nil, err
	}

	refreshToken, err := p.refreshTokens(loginServerURL).GetFromExchange(
		ctx,
		"access_token",
		directive.Service,
		p.tenantID,
		"",
		p.token.OAuthToken(),
	)
	if err != nil {
		logger.Error(err, "Token refresh failed")
		return nil, fmt.Errorf("failed to generate ACR refresh token: %w", err)
	}

	logger.Info("Successfully authenticated with ACR")
	return &registry.AuthConfig{
		Username:      acrUserForRefreshToken,
		Password:      to.String(refreshToken.RefreshToken),
		ServerAddress: match[0],
	}, nil
}

func (p *provider) retry(ctx context.Context, logger logr.Logger, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying", "attempt", n+1, "error", err.Error())
		}),
	)
}
