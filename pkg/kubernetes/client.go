package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/dominodatalab/sweeper/pkg/config"
)

// RestConfig returns the REST config stage Jobs are submitted with.
//
// An explicit kubeconfig path or context is honoured first. Otherwise the default loading rules
// are tried, followed by in-cluster configuration when they fail.
func RestConfig(cfg config.KubernetesRunner) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if cfg.Kubeconfig != "" {
		rules.ExplicitPath = cfg.Kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: cfg.Context}

	kubeconfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides)
	conf, err := kubeconfig.ClientConfig()
	if err == nil {
		return conf, nil
	}
	if cfg.Kubeconfig != "" || cfg.Context != "" {
		return nil, fmt.Errorf("cannot load kubeconfig: %w", err)
	}

	return rest.InClusterConfig()
}

// Clientset creates the clientset used by the kubernetes stage environment.
func Clientset(cfg config.KubernetesRunner) (kubernetes.Interface, error) {
	conf, err := RestConfig(cfg)
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(conf)
}
