// Package client sends cluster-relative requests to a Kubernetes API server.
package client

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/net/http/httpguts"
	"k8s.io/client-go/rest"
)

// Config holds everything needed to reach the API server.
type Config struct {
	// Host is the base address, e.g. https://10.0.0.1:443. Only its
	// scheme and authority are used.
	Host string
	// BearerToken is sent as "Authorization: Bearer <token>" on every request.
	BearerToken string
	// TLS configures the transport built when Transport is nil.
	TLS rest.TLSClientConfig
	// UserAgent is set on requests that do not carry one.
	UserAgent string
	// Transport overrides the transport built from TLS.
	Transport http.RoundTripper
}

// Client injects the base address and bearer credential into outgoing
// requests. It is immutable after New and safe for concurrent use.
type Client struct {
	scheme        string
	host          string
	authorization string
	userAgent     string
	http          *http.Client
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", cfg.Host, err)
	}
	if base.Scheme == "" {
		return nil, fmt.Errorf("host %q has no scheme", cfg.Host)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("host %q has no authority", cfg.Host)
	}

	authorization := "Bearer " + cfg.BearerToken
	if !httpguts.ValidHeaderFieldValue(authorization) {
		return nil, errors.New("bearer token is not a valid header value")
	}

	transport := cfg.Transport
	if transport == nil {
		transport, err = rest.TransportFor(&rest.Config{
			Host:            base.Scheme + "://" + base.Host,
			TLSClientConfig: cfg.TLS,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating transport: %w", err)
		}
	}

	return &Client{
		scheme:        base.Scheme,
		host:          base.Host,
		authorization: authorization,
		userAgent:     cfg.UserAgent,
		http:          &http.Client{Transport: transport},
	}, nil
}

// Host returns the scheme and authority requests are sent to.
func (c *Client) Host() string {
	return c.scheme + "://" + c.host
}

// Send rewrites the scheme and authority of req to the configured base
// address, keeping its path and query, sets the bearer credential and
// performs the request. req itself is not modified.
func (c *Client) Send(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = c.scheme
	out.URL.Host = c.host
	out.URL.User = nil
	out.Host = c.host
	out.RequestURI = ""
	out.Header.Set("Authorization", c.authorization)
	if c.userAgent != "" && out.Header.Get("User-Agent") == "" {
		out.Header.Set("User-Agent", c.userAgent)
	}
	return c.http.Do(out)
}
