// Package watchrequest builds watch requests for a single resource type.
//
// A Builder is fixed to one object type for its whole life, so a watcher
// built on top of it can never receive objects of another type.
package watchrequest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Optional carries the per-cycle watch parameters.
type Optional struct {
	// ResourceVersion to continue from. Empty means "from now".
	ResourceVersion string
	// AllowWatchBookmarks asks the server to send BOOKMARK events.
	AllowWatchBookmarks bool
	// TimeoutSeconds bounds the watch on the server side.
	TimeoutSeconds *int64
}

// Request is a ready to send watch request for objects of type T. Its URL
// is relative to the cluster base address.
type Request[T any] struct {
	*http.Request
}

// Builder produces watch requests for objects of type T.
type Builder[T any] interface {
	Build(ctx context.Context, opts Optional) (*Request[T], error)
}

// ResourceBuilder builds watch requests against the standard API paths.
type ResourceBuilder[T any] struct {
	Resource      schema.GroupVersionResource
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// Path returns the collection path, e.g. /api/v1/namespaces/default/pods.
func (b ResourceBuilder[T]) Path() (string, error) {
	if b.Resource.Resource == "" {
		return "", errors.New("resource name is required")
	}
	if b.Resource.Version == "" {
		return "", fmt.Errorf("version is required for resource %q", b.Resource.Resource)
	}
	if strings.Contains(b.Resource.Resource, "/") {
		return "", fmt.Errorf("subresource %q cannot be watched", b.Resource.Resource)
	}

	segments := []string{"/api", b.Resource.Version}
	if b.Resource.Group != "" {
		segments = []string{"/apis", b.Resource.Group, b.Resource.Version}
	}
	if b.Namespace != "" {
		if errs := validation.IsDNS1123Label(b.Namespace); len(errs) > 0 {
			return "", fmt.Errorf("invalid namespace %q: %s", b.Namespace, strings.Join(errs, ", "))
		}
		segments = append(segments, "namespaces", b.Namespace)
	}
	segments = append(segments, b.Resource.Resource)
	return strings.Join(segments, "/"), nil
}

// Build returns a GET request with watch=true. The resourceVersion query
// parameter is present only when opts carries one.
func (b ResourceBuilder[T]) Build(ctx context.Context, opts Optional) (*Request[T], error) {
	path, err := b.Path()
	if err != nil {
		return nil, err
	}

	query, err := metav1.ParameterCodec.EncodeParameters(&metav1.ListOptions{
		Watch:               true,
		ResourceVersion:     opts.ResourceVersion,
		AllowWatchBookmarks: opts.AllowWatchBookmarks,
		TimeoutSeconds:      opts.TimeoutSeconds,
		LabelSelector:       b.LabelSelector,
		FieldSelector:       b.FieldSelector,
	}, metav1.SchemeGroupVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to encode watch parameters: %w", err)
	}

	u := &url.URL{Path: path, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	log.Debugf("Prepared watch request %s", u)
	return &Request[T]{Request: req}, nil
}
