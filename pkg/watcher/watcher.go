package watcher

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/restmapper"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/apiwatcher"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

// K8sWatcher implements ResourceWatcher
type K8sWatcher struct {
	options        Options
	client         *client.Client
	discovery      discovery.DiscoveryInterface
	restMapper     meta.RESTMapper
	limiter        *rate.Limiter
	activeWatchers sync.WaitGroup
	stopCh         chan struct{}
	watching       bool
	sessions       []*Session[unstructured.Unstructured]
	mu             sync.RWMutex
}

// DefaultResourceTypes returns a set of common resource types to watch
func DefaultResourceTypes() []ResourceToWatch {
	return []ResourceToWatch{
		{Kind: "Pod", APIVersion: "v1", Namespaced: true},
		{Kind: "Deployment", APIVersion: "apps/v1", Namespaced: true},
		{Kind: "Service", APIVersion: "v1", Namespaced: true},
		{Kind: "ConfigMap", APIVersion: "v1", Namespaced: true},
		{Kind: "Namespace", APIVersion: "v1", Namespaced: false},
	}
}

// NewWatcher creates a new Kubernetes resource watcher
func NewWatcher(options Options) (*K8sWatcher, error) {
	c, config, err := client.NewFromKubeconfig(options.KubeconfigPath)
	if err != nil {
		return nil, err
	}

	discoveryClient, err := discovery.NewDiscoveryClientForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error creating discovery client: %w", err)
	}

	return NewWatcherWithClient(options, c, discoveryClient), nil
}

// NewWatcherWithClient creates a watcher from an existing client. disc may
// be nil, in which case WatchAll is unavailable and resource names are
// derived from kinds.
func NewWatcherWithClient(options Options, c *client.Client, disc discovery.DiscoveryInterface) *K8sWatcher {
	// Set defaults if not specified
	if len(options.ResourceTypes) == 0 && !options.WatchAll {
		options.ResourceTypes = DefaultResourceTypes()
	}
	if options.Session.Backoff.Duration == 0 {
		options.Session.Backoff = DefaultSessionOptions().Backoff
	}

	limit, burst := options.StartRate, options.StartBurst
	if limit == 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	w := &K8sWatcher{
		options:   options,
		client:    c,
		discovery: disc,
		limiter:   rate.NewLimiter(limit, burst),
		stopCh:    make(chan struct{}),
	}
	if disc != nil {
		w.restMapper = restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disc))
	}
	return w
}

// Start begins watching resources
func (w *K8sWatcher) Start(ctx context.Context, handler EventHandler) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.watching = true
	w.stopCh = make(chan struct{})
	w.sessions = nil
	w.mu.Unlock()

	// Context that can be canceled to stop all watchers
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-watchCtx.Done():
		case <-w.stopCh:
		}
	}()

	var resourcesToWatch []ResourceToWatch

	if w.options.WatchAll {
		var err error
		resourcesToWatch, err = w.discoverAllResources()
		if err != nil {
			w.mu.Lock()
			w.watching = false
			w.mu.Unlock()
			cancel()
			return fmt.Errorf("error discovering resources: %w", err)
		}
	} else {
		resourcesToWatch = w.options.ResourceTypes
	}

	log.Infof("Starting to watch %d resource types", len(resourcesToWatch))

	for _, resource := range resourcesToWatch {
		w.startResourceWatcher(watchCtx, w.resolve(resource), handler)
	}

	return nil
}

// Stop halts all watchers
func (w *K8sWatcher) Stop() {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.watching = false
	w.mu.Unlock()

	// Wait for all watchers to finish (with a timeout)
	done := make(chan struct{})
	go func() {
		w.activeWatchers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("Timed out waiting for all watchers to stop")
	}
}

// IsWatching returns true if the watcher is currently active
func (w *K8sWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

// Status returns a snapshot of every session, ordered by resource
func (w *K8sWatcher) Status() []SessionStatus {
	w.mu.RLock()
	sessions := slices.Clone(w.sessions)
	w.mu.RUnlock()

	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.Status())
	}
	slices.SortFunc(statuses, func(a, b SessionStatus) int {
		return strings.Compare(a.Resource, b.Resource)
	})
	return statuses
}

// discoverAllResources finds all watchable resources in the cluster
func (w *K8sWatcher) discoverAllResources() ([]ResourceToWatch, error) {
	if w.discovery == nil {
		return nil, fmt.Errorf("discovery is not configured")
	}

	var resources []ResourceToWatch
	processedResources := make(map[string]bool)

	_, resourceLists, err := w.discovery.ServerGroupsAndResources()
	if err != nil {
		// Some aggregated APIs are commonly unavailable
		if !discovery.IsGroupDiscoveryFailedError(err) {
			return nil, err
		}
		log.Warnf("Some API groups couldn't be discovered: %v", err)
	}

	for _, resList := range resourceLists {
		for _, r := range resList.APIResources {
			if !watchrequest.Watchable(r.Name, r.Verbs) {
				continue
			}

			resourceKey := fmt.Sprintf("%s/%s/%s", resList.GroupVersion, r.Kind, r.Name)
			if processedResources[resourceKey] {
				continue
			}
			processedResources[resourceKey] = true

			resources = append(resources, ResourceToWatch{
				Kind:       r.Kind,
				APIVersion: resList.GroupVersion,
				Namespaced: r.Namespaced,
			})
		}
	}

	return resources, nil
}

type resolvedResource struct {
	ResourceToWatch
	gvr schema.GroupVersionResource
}

// resolve maps the kind to its resource through discovery, falling back
// to the pluralized kind
func (w *K8sWatcher) resolve(resource ResourceToWatch) resolvedResource {
	resolved := resolvedResource{ResourceToWatch: resource, gvr: resource.GroupVersionResource()}
	if w.restMapper == nil {
		return resolved
	}

	group, version := watchrequest.SplitAPIVersion(resource.APIVersion)
	mapping, err := w.restMapper.RESTMapping(schema.GroupKind{Group: group, Kind: resource.Kind}, version)
	if err != nil {
		log.Debugf("Could not map %s through discovery, using %s: %v", resource, resolved.gvr.Resource, err)
		return resolved
	}
	resolved.gvr = mapping.Resource
	resolved.Namespaced = mapping.Scope.Name() == meta.RESTScopeNameNamespace
	return resolved
}

// startResourceWatcher begins watching a specific resource type
func (w *K8sWatcher) startResourceWatcher(ctx context.Context, resource resolvedResource, handler EventHandler) {
	builder := watchrequest.ResourceBuilder[unstructured.Unstructured]{
		Resource:      resource.gvr,
		LabelSelector: w.options.LabelSelector,
		FieldSelector: w.options.FieldSelector,
	}
	if resource.Namespaced {
		builder.Namespace = w.options.Namespace
	}

	resourceStr := resource.String()

	// Track resource versions per object for PreviousResourceVersion
	resourceVersions := make(map[string]string)
	opts := w.options.Session
	onResync := opts.OnResync
	opts.OnResync = func() {
		clear(resourceVersions)
		if onResync != nil {
			onResync()
		}
		if w.options.OnResync != nil {
			w.options.OnResync(resource.ResourceToWatch)
		}
	}

	session := NewSession[unstructured.Unstructured](resourceStr, apiwatcher.New[unstructured.Unstructured](w.client, builder), opts)

	w.mu.Lock()
	w.sessions = append(w.sessions, session)
	w.mu.Unlock()

	log.Infof("Starting watcher for: %s", resourceStr)

	w.activeWatchers.Add(1)

	go func() {
		defer w.activeWatchers.Done()

		if err := w.limiter.Wait(ctx); err != nil {
			return
		}

		err := session.Run(ctx, func(event stream.Event[unstructured.Unstructured]) {
			handleEvent(event, resource.ResourceToWatch, resourceVersions, handler)
		})
		if err != nil {
			log.Warnf("Watcher for %s stopped: %v", resourceStr, err)
		}
	}()
}

// handleEvent converts a stream event into a ResourceEvent
func handleEvent(
	event stream.Event[unstructured.Unstructured],
	resource ResourceToWatch,
	resourceVersions map[string]string,
	handler EventHandler,
) {
	resourceEvent := ResourceEvent{
		Type:     event.Type,
		Resource: resource,
	}

	if event.Type == watch.Error {
		if event.Status != nil {
			resourceEvent.Error = apierrors.FromObject(event.Status)
		} else {
			resourceEvent.Error = fmt.Errorf("unknown error event: %s", event.Raw)
		}
		handler(resourceEvent)
		return
	}

	// Bookmarks only move the cursor
	if event.Type == watch.Bookmark || event.Object == nil {
		return
	}

	obj := event.Object
	resourceEvent.Name = obj.GetName()
	resourceEvent.Namespace = obj.GetNamespace()
	resourceEvent.UID = string(obj.GetUID())
	resourceEvent.ResourceVersion = obj.GetResourceVersion()
	resourceEvent.Object = obj.Object

	resourceKey := fmt.Sprintf("%s/%s", resourceEvent.Namespace, resourceEvent.Name)

	switch event.Type {
	case watch.Added:
		resourceVersions[resourceKey] = resourceEvent.ResourceVersion

	case watch.Modified:
		resourceEvent.PreviousResourceVersion = resourceVersions[resourceKey]
		resourceVersions[resourceKey] = resourceEvent.ResourceVersion

	case watch.Deleted:
		resourceEvent.PreviousResourceVersion = resourceVersions[resourceKey]
		delete(resourceVersions, resourceKey)
	}

	handler(resourceEvent)
}
