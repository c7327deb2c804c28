// Package watcher provides functionality for watching Kubernetes resources.
package watcher

import (
	"context"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

// ResourceToWatch represents a Kubernetes resource to watch
type ResourceToWatch = watchrequest.Resource

// ResourceEvent represents an event that occurred on a Kubernetes resource
type ResourceEvent struct {
	// Type of event (Added, Modified, Deleted, Error)
	Type watch.EventType
	// Resource is the resource type information
	Resource ResourceToWatch
	// Name of the resource
	Name string
	// Namespace of the resource (empty for cluster-scoped resources)
	Namespace string
	// UID of the object
	UID string
	// ResourceVersion of the object involved in the event
	ResourceVersion string
	// PreviousResourceVersion last seen for the same object
	PreviousResourceVersion string
	// Object is the raw object data
	Object map[string]interface{}
	// Error information if the event type is Error
	Error error
}

// EventHandler is a callback function that is invoked when resource events occur
type EventHandler func(event ResourceEvent)

// Options configures the behavior of the watcher
type Options struct {
	// Namespace to watch (empty string for all namespaces)
	Namespace string
	// ResourceTypes to watch (empty for default set)
	ResourceTypes []ResourceToWatch
	// WatchAll resources discovered in the API
	WatchAll bool
	// KubeconfigPath explicitly sets a kubeconfig file path
	KubeconfigPath string
	// LabelSelector and FieldSelector filter watched objects
	LabelSelector string
	FieldSelector string
	// Session tunes every watch session
	Session SessionOptions
	// OnResync is called with the resource whose session reset its cursor
	OnResync func(resource ResourceToWatch)
	// StartRate limits how fast sessions are started (0 means unlimited)
	StartRate rate.Limit
	StartBurst int
}

// ResourceWatcher defines the interface for watching Kubernetes resources
type ResourceWatcher interface {
	// Start begins watching resources and calls the handler for events
	// Returns an error if the watcher could not be started
	Start(ctx context.Context, handler EventHandler) error

	// Stop halts all watchers
	Stop()

	// IsWatching returns true if the watcher is currently active
	IsWatching() bool

	// Status returns a snapshot of every watch session
	Status() []SessionStatus
}
