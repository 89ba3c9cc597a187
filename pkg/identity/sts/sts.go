package sts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/sweeper/pkg/identity"
)

type stsClient interface {
	GetCallerIdentity(
		ctx context.Context,
		params *sts.GetCallerIdentityInput,
		optFns ...func(*sts.Options),
	) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(
		ctx context.Context,
		params *sts.AssumeRoleInput,
		optFns ...func(*sts.Options),
	) (*sts.AssumeRoleOutput, error)
}

// Error codes returned by STS when a caller cannot prove who it is, or is not allowed to become
// the requested role.
var deniedCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
	"RegionDisabledException":     true,
}

// Assumer exchanges executor credentials for actor credentials through AWS STS.
type Assumer struct {
	log    logr.Logger
	client stsClient
}

// New builds an Assumer from the default AWS credential chain.
func New(ctx context.Context, log logr.Logger, region string) (*Assumer, error) {
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

	return NewWithClient(log, sts.NewFromConfig(cfg)), nil
}

func NewWithClient(log logr.Logger, client stsClient) *Assumer {
	return &Assumer{log: log.WithName("sts-assumer"), client: client}
}

func (a *Assumer) VerifyExecutor(ctx context.Context, cred identity.ExecutorCredential) (string, error) {
	out, err := a.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, withCredentials(cred))
	if err != nil {
		return "", translate(err)
	}

	principal := aws.ToString(out.Arn)
	a.log.V(1).Info("Verified caller identity", "principal", principal, "account", aws.ToString(out.Account))

	return principal, nil
}

func (a *Assumer) Assume(
	ctx context.Context,
	cred identity.ExecutorCredential,
	req identity.AssumeRequest,
) (identity.Credentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(req.ActorID),
		RoleSessionName: aws.String(req.SessionName),
	}
	if req.SourceIdentity != "" {
		input.SourceIdentity = aws.String(req.SourceIdentity)
	}
	if req.Duration > 0 {
		input.DurationSeconds = aws.Int32(int32(req.Duration / time.Second))
	}

	out, err := a.client.AssumeRole(ctx, input, withCredentials(cred))
	if err != nil {
		return identity.Credentials{}, translate(err)
	}
	if out.Credentials == nil {
		return identity.Credentials{}, errors.New("sts returned no credentials")
	}

	return identity.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}, nil
}

// withCredentials swaps the client's ambient credentials for explicit executor credentials.
func withCredentials(cred identity.ExecutorCredential) func(*sts.Options) {
	return func(o *sts.Options) {
		if cred.Ambient {
			return
		}

		o.Credentials = aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     cred.AccessKeyID,
				SecretAccessKey: cred.SecretAccessKey,
				SessionToken:    cred.SessionToken,
				Source:          "sweeper-executor",
				CanExpire:       !cred.Expires.IsZero(),
				Expires:         cred.Expires,
			}, nil
		})
	}
}

func translate(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && deniedCodes[apiErr.ErrorCode()] {
		return identity.Denied("", apiErr.ErrorMessage())
	}

	return fmt.Errorf("sts request failed: %w", err)
}
