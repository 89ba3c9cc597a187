package secretsmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smTypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/secrets"
)

const (
	hub = "https://index.docker.io/v1/"
	ref = "arn:aws:secretsmanager:us-west-2:123456789012:secret:dockerhub-AbCdEf"
)

type fakeSecretsManagerClient struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	input *secretsmanager.GetSecretValueInput
}

func (f *fakeSecretsManagerClient) GetSecretValue(
	_ context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	f.input = params
	return f.out, f.err
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name     string
		client   *fakeSecretsManagerClient
		username string
		check    func(t *testing.T, err error)
	}{
		{
			name: "secret_string",
			client: &fakeSecretsManagerClient{out: &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String(`{"username":"happy","password":"gilmore"}`),
			}},
			username: "happy",
		},
		{
			name: "secret_binary",
			client: &fakeSecretsManagerClient{out: &secretsmanager.GetSecretValueOutput{
				SecretBinary: []byte(`{"auths":{"https://index.docker.io/v1/":{"username":"billy","password":"madison"}}}`),
			}},
			username: "billy",
		},
		{
			name:   "empty_secret",
			client: &fakeSecretsManagerClient{out: &secretsmanager.GetSecretValueOutput{}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, secrets.ErrMalformed)
			},
		},
		{
			name:   "not_found",
			client: &fakeSecretsManagerClient{err: &smTypes.ResourceNotFoundException{Message: aws.String("nope")}},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, secrets.ErrNotFound)
			},
		},
		{
			name:   "access_denied",
			client: &fakeSecretsManagerClient{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}},
			check: func(t *testing.T, err error) {
				assert.True(t, identity.IsPermissionDenied(err))
			},
		},
		{
			name:   "transport_error",
			client: &fakeSecretsManagerClient{err: errors.New("timeout")},
			check: func(t *testing.T, err error) {
				assert.EqualError(t, err, `cannot read secret "`+ref+`": timeout`)
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := NewWithClient(logr.Discard(), tt.client, hub)

			ac, err := r.Resolve(ctx, ref)
			if tt.check != nil {
				require.Error(t, err)
				tt.check(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.username, ac.Username)
			assert.Equal(t, hub, ac.ServerAddress)
			assert.Equal(t, ref, aws.ToString(tt.client.input.SecretId))
		})
	}
}
