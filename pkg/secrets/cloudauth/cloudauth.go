package cloudauth

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
)

var ErrNoLoader = errors.New("no loader found")

type AuthLoader func(ctx context.Context, logger logr.Logger, server string) (*registry.AuthConfig, error)

// Registry resolves image pull credentials for cloud registries the stage image may live in.
type Registry struct {
	mu      sync.RWMutex
	loaders map[*regexp.Regexp]AuthLoader
}

// RetrieveAuthorization will multiplex registered auth loaders based on url pattern and use the appropriate one to
// make an authorization request.
func (r *Registry) RetrieveAuthorization(
	ctx context.Context,
	logger logr.Logger,
	server string,
) (*registry.AuthConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for re, loader := range r.loaders {
		if re.MatchString(server) {
			return loader(ctx, logger, server)
		}
	}
	return nil, ErrNoLoader
}

// Register will create a new url regex -> authorization loader scheme.
func (r *Registry) Register(re *regexp.Regexp, loader AuthLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaders == nil {
		r.loaders = map[*regexp.Regexp]AuthLoader{}
	}
	r.loaders[re] = loader
}
