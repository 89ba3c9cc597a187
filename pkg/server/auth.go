package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator establishes who sent a request. Without one the server trusts whatever actor a
// request names.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// BearerTokens maps bearer tokens to the identity each one authenticates.
type BearerTokens map[string]string

func (b BearerTokens) Authenticate(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: bearer token required", ErrUnauthenticated)
	}

	var who string
	for known, identity := range b {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			who = identity
		}
	}
	if who == "" {
		return "", fmt.Errorf("%w: unknown bearer token", ErrUnauthenticated)
	}

	return who, nil
}

// LoadBearerTokens reads a YAML mapping of identity to token.
func LoadBearerTokens(path string) (BearerTokens, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read tokens file: %w", err)
	}

	var byIdentity map[string]string
	if err = yaml.Unmarshal(bs, &byIdentity); err != nil {
		return nil, fmt.Errorf("cannot parse tokens file %s: %w", path, err)
	}

	tokens := BearerTokens{}
	for who, token := range byIdentity {
		if who == "" || token == "" {
			return nil, fmt.Errorf("tokens file %s has a blank identity or token", path)
		}
		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("tokens file %s reuses the token of %q", path, who)
		}
		tokens[token] = who
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("tokens file %s defines no tokens", path)
	}

	return tokens, nil
}

type authenticatedKey struct{}

// AuthMiddleware refuses requests auth cannot attribute to anyone. The identity it establishes
// replaces any actor the request names.
func AuthMiddleware(log logr.Logger, auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, err := auth.Authenticate(r)
			if err != nil {
				log.Info("Refused unauthenticated request",
					"requestId", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"error", err.Error(),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sweeper"`)
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authenticatedKey{}, who)))
		})
	}
}

func authenticated(ctx context.Context) (string, bool) {
	who, ok := ctx.Value(authenticatedKey{}).(string)
	return who, ok && who != ""
}
