package kubernetes

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultSidecarCheckURL  = "http://localhost:15021/healthz/ready"
	DefaultSidecarFinishURL = "http://localhost:15020/quitquitquit"
)

// Sidecar coordinates with an Istio proxy running next to the server. Outbound calls to AWS and
// the message broker fail until the proxy is ready, and the pod never completes while it runs.
type Sidecar struct {
	log       logr.Logger
	client    *retryablehttp.Client
	checkURL  string
	finishURL string
}

func NewSidecar(log logr.Logger) *Sidecar {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 10
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 1 * time.Second

	return &Sidecar{
		log:       log.WithName("istio-sidecar"),
		client:    client,
		checkURL:  DefaultSidecarCheckURL,
		finishURL: DefaultSidecarFinishURL,
	}
}

// Wait blocks until the proxy reports ready. The returned func asks the proxy to exit.
func (s *Sidecar) Wait(ctx context.Context) (func(), error) {
	s.log.Info("Checking istio sidecar")

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, s.checkURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Error(err, "Istio sidecar is not ready")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("istio sidecar readiness returned %d", resp.StatusCode)
		s.log.Error(err, "Istio sidecar is not ready")
		return nil, err
	}

	s.log.Info("Istio sidecar available")
	fn := func() {
		s.log.Info("Triggering istio termination")
		resp, err := s.client.Post(s.finishURL, "", nil)
		if err != nil {
			s.log.Error(err, "Istio termination failed")
			return
		}
		resp.Body.Close()
	}

	return fn, nil
}
