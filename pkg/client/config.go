package client

import (
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadConfig returns the in-cluster configuration when running in a pod
// and no kubeconfig path is given, otherwise the kubeconfig loading rules.
func LoadConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		config, err := rest.InClusterConfig()
		if err == nil {
			log.Info("Using in-cluster configuration")
			return config, nil
		}
		if !errors.Is(err, rest.ErrNotInCluster) {
			return nil, fmt.Errorf("error loading in-cluster config: %w", err)
		}
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules,
		&clientcmd.ConfigOverrides{})

	config, err := clientConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("error building kubeconfig: %w", err)
	}
	return config, nil
}

// ConfigFromRest converts a client-go REST config. A token file takes
// precedence over an inline token.
func ConfigFromRest(rc *rest.Config) (Config, error) {
	token := rc.BearerToken
	if rc.BearerTokenFile != "" {
		data, err := os.ReadFile(rc.BearerTokenFile)
		if err != nil {
			return Config{}, fmt.Errorf("error reading token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	if token == "" {
		log.Warn("No bearer token configured, requests will be sent with an empty credential")
	}

	return Config{
		Host:        rc.Host,
		BearerToken: token,
		TLS:         rc.TLSClientConfig,
		UserAgent:   rc.UserAgent,
	}, nil
}

// NewFromKubeconfig loads the configuration and builds a Client.
func NewFromKubeconfig(kubeconfigPath string) (*Client, *rest.Config, error) {
	rc, err := LoadConfig(kubeconfigPath)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := ConfigFromRest(rc)
	if err != nil {
		return nil, nil, err
	}
	c, err := New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, rc, nil
}
