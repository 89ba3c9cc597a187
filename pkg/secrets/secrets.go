package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/cli/cli/config/configfile"
	clitypes "github.com/docker/cli/cli/config/types"
	"github.com/docker/docker/api/types/registry"
)

var (
	// ErrNotFound is returned when a secret reference does not resolve to a value.
	ErrNotFound = errors.New("secret not found")
	// ErrMalformed is returned when a secret value is not a recognised credential format.
	ErrMalformed = errors.New("secret value is malformed")
)

// Resolver turns a secret reference into registry credentials. Implementations must be called
// inside the stage environment, never when building stage inputs.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (registry.AuthConfig, error)
}

// AuthConfigs is a map of registry urls to authentication credentials.
type AuthConfigs map[string]registry.AuthConfig

// DockerConfigJSON models the structure of .dockerconfigjson data.
type DockerConfigJSON struct {
	Auths AuthConfigs `json:"auths"`
}

type basicAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Parse accepts either a {"username","password"} document or .dockerconfigjson data holding an
// entry for server.
func Parse(server string, data []byte) (registry.AuthConfig, error) {
	var basic basicAuth
	if err := json.Unmarshal(data, &basic); err == nil && basic.Username != "" {
		return registry.AuthConfig{
			Username:      basic.Username,
			Password:      basic.Password,
			ServerAddress: server,
		}, nil
	}

	username, password, err := Extract(server, data)
	if err != nil {
		return registry.AuthConfig{}, err
	}

	return registry.AuthConfig{Username: username, Password: password, ServerAddress: server}, nil
}

// Extract pulls the credentials for host out of .dockerconfigjson data.
func Extract(host string, data []byte) (string, string, error) {
	var conf DockerConfigJSON
	if err := json.Unmarshal(data, &conf); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if len(conf.Auths) == 0 {
		return "", "", fmt.Errorf("%w: no credentials present", ErrMalformed)
	}

	ac, ok := conf.Auths[host]
	if !ok {
		var servers []string
		for url := range conf.Auths {
			servers = append(servers, url)
		}

		return "", "", fmt.Errorf("registry %q is not in server list %v", host, servers)
	}

	return ac.Username, ac.Password, nil
}

// Persist writes a docker config.json holding ac into dir and returns the config directory. The
// file is only readable by the current user.
func Persist(dir string, ac registry.AuthConfig) (string, error) {
	if ac.ServerAddress == "" {
		return "", errors.New("auth config is missing a server address")
	}

	configDir := filepath.Join(dir, ".docker")
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", err
	}

	cf := configfile.New(filepath.Join(configDir, "config.json"))
	cf.AuthConfigs[ac.ServerAddress] = clitypes.AuthConfig{
		Username:      ac.Username,
		Password:      ac.Password,
		ServerAddress: ac.ServerAddress,
	}
	if err := cf.Save(); err != nil {
		return "", fmt.Errorf("cannot save docker config: %w", err)
	}

	return configDir, nil
}

// StaticResolver serves secrets from memory. Only intended for local development and tests.
type StaticResolver struct {
	Server string
	Values map[string]string
}

func (s StaticResolver) Resolve(_ context.Context, ref string) (registry.AuthConfig, error) {
	value, ok := s.Values[ref]
	if !ok {
		return registry.AuthConfig{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}

	return Parse(s.Server, []byte(strings.TrimSpace(value)))
}
