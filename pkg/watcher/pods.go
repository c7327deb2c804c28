package watcher

import (
	"context"
	"slices"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/apiwatcher"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

// PodInfo is the workload metadata kept for each pod
type PodInfo struct {
	Namespace       string
	Name            string
	UID             string
	Node            string
	Phase           corev1.PodPhase
	Labels          map[string]string
	Containers      []string
	ResourceVersion string
}

// PodChangeHandler is called after the tracker applied a change
type PodChangeHandler func(eventType watch.EventType, pod PodInfo)

// PodTracker keeps the metadata of every pod in a namespace (or the whole
// cluster) up to date from a typed watch session. After a desync the set
// is cleared and rebuilt from the ADDED events of the fresh watch.
type PodTracker struct {
	session  *Session[corev1.Pod]
	mu       sync.RWMutex
	pods     map[string]PodInfo
	onChange PodChangeHandler
}

// NewPodTracker watches pods in namespace through c. An empty namespace
// tracks all pods.
func NewPodTracker(c *client.Client, namespace, labelSelector string, opts SessionOptions) *PodTracker {
	builder := watchrequest.Pods(namespace)
	builder.LabelSelector = labelSelector
	return newPodTracker(apiwatcher.New[corev1.Pod](c, builder), opts)
}

func newPodTracker(invoker Invoker[corev1.Pod], opts SessionOptions) *PodTracker {
	t := &PodTracker{pods: make(map[string]PodInfo)}
	onResync := opts.OnResync
	opts.OnResync = func() {
		t.mu.Lock()
		clear(t.pods)
		t.mu.Unlock()
		if onResync != nil {
			onResync()
		}
	}
	t.session = NewSession[corev1.Pod]("Pod/v1", invoker, opts)
	return t
}

// OnChange registers fn to be called for every applied change. Call
// before Run.
func (t *PodTracker) OnChange(fn PodChangeHandler) {
	t.onChange = fn
}

// Run tracks pods until ctx is canceled
func (t *PodTracker) Run(ctx context.Context) error {
	return t.session.Run(ctx, t.apply)
}

// Status returns the state of the underlying session
func (t *PodTracker) Status() SessionStatus {
	return t.session.Status()
}

// Get returns the tracked pod
func (t *PodTracker) Get(namespace, name string) (PodInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pod, ok := t.pods[namespace+"/"+name]
	return pod, ok
}

// List returns all tracked pods ordered by namespace and name
func (t *PodTracker) List() []PodInfo {
	t.mu.RLock()
	pods := make([]PodInfo, 0, len(t.pods))
	for _, pod := range t.pods {
		pods = append(pods, pod)
	}
	t.mu.RUnlock()

	slices.SortFunc(pods, func(a, b PodInfo) int {
		if c := strings.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return pods
}

func (t *PodTracker) apply(event stream.Event[corev1.Pod]) {
	if event.Object == nil {
		if event.Type == watch.Error {
			log.Debugf("Pod watch reported an error event")
		}
		return
	}

	pod := podInfo(event.Object)
	key := pod.Namespace + "/" + pod.Name

	switch event.Type {
	case watch.Added, watch.Modified:
		t.mu.Lock()
		t.pods[key] = pod
		t.mu.Unlock()
	case watch.Deleted:
		t.mu.Lock()
		delete(t.pods, key)
		t.mu.Unlock()
	default:
		return
	}

	if t.onChange != nil {
		t.onChange(event.Type, pod)
	}
}

func podInfo(pod *corev1.Pod) PodInfo {
	containers := make([]string, 0, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		containers = append(containers, c.Name)
	}
	return PodInfo{
		Namespace:       pod.Namespace,
		Name:            pod.Name,
		UID:             string(pod.UID),
		Node:            pod.Spec.NodeName,
		Phase:           pod.Status.Phase,
		Labels:          pod.Labels,
		Containers:      containers,
		ResourceVersion: pod.ResourceVersion,
	}
}
