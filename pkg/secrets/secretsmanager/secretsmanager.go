package secretsmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smTypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/secrets"
)

type secretsManagerClient interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver reads registry credentials from AWS Secrets Manager.
type Resolver struct {
	log    logr.Logger
	client secretsManagerClient
	server string
}

func New(ctx context.Context, log logr.Logger, region, server string) (*Resolver, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	} else {
		opts = append(opts, config.WithEC2IMDSRegion())
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load aws config: %w", err)
	}

	return NewWithClient(log, secretsmanager.NewFromConfig(cfg), server), nil
}

func NewWithClient(log logr.Logger, client secretsManagerClient, server string) *Resolver {
	return &Resolver{log: log.WithName("secretsmanager-resolver"), client: client, server: server}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (registry.AuthConfig, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref)})
	if err != nil {
		var notFound *smTypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return registry.AuthConfig{}, fmt.Errorf("%w: %s", secrets.ErrNotFound, ref)
		}

		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
			return registry.AuthConfig{}, identity.Denied("", apiErr.ErrorMessage())
		}

		return registry.AuthConfig{}, fmt.Errorf("cannot read secret %q: %w", ref, err)
	}

	var data []byte
	switch {
	case out.SecretString != nil:
		data = []byte(aws.ToString(out.SecretString))
	case len(out.SecretBinary) > 0:
		data = out.SecretBinary
	default:
		return registry.AuthConfig{}, fmt.Errorf("%w: secret %q has no value", secrets.ErrMalformed, ref)
	}

	ac, err := secrets.Parse(r.server, data)
	if err != nil {
		return registry.AuthConfig{}, fmt.Errorf("secret %q: %w", ref, err)
	}
	r.log.V(1).Info("Resolved registry credentials", "ref", ref, "version", aws.ToString(out.VersionId))

	return ac, nil
}
