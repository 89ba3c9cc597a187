package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// StaticAssumer is an in-process Assumer for local runs and tests. Credentials are recognised by
// access key ID; an ambient credential resolves to AmbientPrincipal.
type StaticAssumer struct {
	AmbientPrincipal string
	Now              func() time.Time

	mu         sync.Mutex
	principals map[string]string
	revoked    map[string]bool
}

func NewStaticAssumer(ambientPrincipal string) *StaticAssumer {
	return &StaticAssumer{
		AmbientPrincipal: ambientPrincipal,
		Now:              time.Now,
		principals:       map[string]string{},
		revoked:          map[string]bool{},
	}
}

// Register maps an access key ID to the principal it authenticates.
func (s *StaticAssumer) Register(accessKeyID, principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.principals[accessKeyID] = principal
	delete(s.revoked, accessKeyID)
}

// Revoke invalidates a previously registered access key.
func (s *StaticAssumer) Revoke(accessKeyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[accessKeyID] = true
}

func (s *StaticAssumer) VerifyExecutor(_ context.Context, cred ExecutorCredential) (string, error) {
	if cred.Ambient {
		if s.AmbientPrincipal == "" {
			return "", errors.New("no ambient credentials available")
		}
		return s.AmbientPrincipal, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	principal, ok := s.principals[cred.AccessKeyID]
	switch {
	case !ok:
		return "", errors.New("unrecognised access key")
	case s.revoked[cred.AccessKeyID]:
		return principal, errors.New("access key has been revoked")
	case !cred.Expires.IsZero() && !s.Now().Before(cred.Expires):
		return principal, errors.New("security token has expired")
	}

	return principal, nil
}

func (s *StaticAssumer) Assume(ctx context.Context, cred ExecutorCredential, req AssumeRequest) (Credentials, error) {
	if _, err := s.VerifyExecutor(ctx, cred); err != nil {
		return Credentials{}, Denied("", err.Error())
	}

	duration := req.Duration
	if duration <= 0 {
		duration = time.Hour
	}

	return Credentials{
		AccessKeyID:     "ASIA" + randomHex(8),
		SecretAccessKey: randomHex(20),
		SessionToken:    randomHex(32),
		Expires:         s.Now().Add(duration),
	}, nil
}

func randomHex(n int) string {
	bs := make([]byte, n)
	if _, err := rand.Read(bs); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bs)
}
