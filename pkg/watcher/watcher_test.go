package watcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	fakediscovery "k8s.io/client-go/discovery/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/worldsayshi/go-k8s-apiwatcher/internal/testutil"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
)

func newTestClient(t *testing.T, handler http.Handler) *client.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{Host: srv.URL, BearerToken: "token", Transport: srv.Client().Transport})
	require.NoError(t, err)
	return c
}

func streamThenHold(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("resourceVersion") == "" {
			for _, f := range frames {
				_, _ = io.WriteString(w, f)
			}
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func TestK8sWatcherDeliversResourceEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/namespaces/default/pods", streamThenHold(
		podFrame(watch.Added, "web-0", "5"),
		podFrame(watch.Modified, "web-0", "6"),
		`{"type":"BOOKMARK","object":{"kind":"Pod","apiVersion":"v1","metadata":{"resourceVersion":"6"}}}`+"\n",
		podFrame(watch.Deleted, "web-0", "7"),
	))
	mux.Handle("/api/v1/namespaces", streamThenHold())

	w := NewWatcherWithClient(Options{
		Namespace: "default",
		ResourceTypes: []ResourceToWatch{
			{Kind: "Pod", APIVersion: "v1", Namespaced: true},
			{Kind: "Namespace", APIVersion: "v1"},
		},
	}, newTestClient(t, mux), nil)

	events := make(chan ResourceEvent, 10)
	require.NoError(t, w.Start(context.Background(), func(e ResourceEvent) { events <- e }))
	assert.True(t, w.IsWatching())
	assert.Error(t, w.Start(context.Background(), func(ResourceEvent) {}), "starting twice must fail")

	var got []ResourceEvent
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, got %d events", len(got))
		}
	}

	assert.Equal(t, watch.Added, got[0].Type)
	assert.Equal(t, "web-0", got[0].Name)
	assert.Equal(t, "default", got[0].Namespace)
	assert.Equal(t, "uid-web-0", got[0].UID)
	assert.Equal(t, "Pod", got[0].Resource.Kind)
	assert.Empty(t, got[0].PreviousResourceVersion)

	assert.Equal(t, watch.Modified, got[1].Type)
	assert.Equal(t, "6", got[1].ResourceVersion)
	assert.Equal(t, "5", got[1].PreviousResourceVersion)

	assert.Equal(t, watch.Deleted, got[2].Type)
	assert.Equal(t, "6", got[2].PreviousResourceVersion)

	require.Eventually(t, func() bool {
		for _, s := range w.Status() {
			if s.Resource == "Pod/v1" && s.ResourceVersion == "7" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	statuses := w.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "Namespace/v1", statuses[0].Resource)
	assert.Equal(t, "Pod/v1", statuses[1].Resource)

	w.Stop()
	assert.False(t, w.IsWatching())
	for _, s := range w.Status() {
		assert.Equal(t, PhaseStopped, s.Phase, s.Resource)
	}
	w.Stop()
}

func TestK8sWatcherErrorEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/configmaps", streamThenHold(
		`{"type":"ERROR","object":{"kind":"Status","status":"Failure","message":"boom","reason":"InternalError","code":500}}`+"\n",
	))

	opts := fastOptions()
	opts.Backoff.Duration = time.Hour
	w := NewWatcherWithClient(Options{
		ResourceTypes: []ResourceToWatch{{Kind: "ConfigMap", APIVersion: "v1", Namespaced: true}},
		Session:       opts,
	}, newTestClient(t, mux), nil)

	events := make(chan ResourceEvent, 1)
	require.NoError(t, w.Start(context.Background(), func(e ResourceEvent) { events <- e }))
	defer w.Stop()

	select {
	case e := <-events:
		assert.Equal(t, watch.Error, e.Type)
		require.Error(t, e.Error)
		assert.Contains(t, e.Error.Error(), "boom")
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
}

func TestK8sWatcherOnResync(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/namespaces/default/pods", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, podFrame(watch.Added, "web-0", "5"))
			_, _ = io.WriteString(w, expiredFrame)
			return
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	resynced := make(chan ResourceToWatch, 1)
	w := NewWatcherWithClient(Options{
		Namespace:     "default",
		ResourceTypes: []ResourceToWatch{{Kind: "Pod", APIVersion: "v1", Namespaced: true}},
		Session:       fastOptions(),
		OnResync:      func(r ResourceToWatch) { resynced <- r },
	}, newTestClient(t, mux), nil)

	require.NoError(t, w.Start(context.Background(), func(ResourceEvent) {}))
	defer w.Stop()

	select {
	case r := <-resynced:
		assert.Equal(t, "Pod", r.Kind)
		assert.Equal(t, "v1", r.APIVersion)
	case <-time.After(5 * time.Second):
		t.Fatal("no resync")
	}
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestNewWatcherWithClientDefaults(t *testing.T) {
	w := NewWatcherWithClient(Options{}, nil, nil)
	assert.Equal(t, DefaultResourceTypes(), w.options.ResourceTypes)
	assert.Equal(t, time.Second, w.options.Session.Backoff.Duration)
	assert.Equal(t, rate.Inf, w.limiter.Limit())

	limited := NewWatcherWithClient(Options{StartRate: 5, StartBurst: 2}, nil, nil)
	assert.Equal(t, rate.Limit(5), limited.limiter.Limit())
	assert.Equal(t, 2, limited.limiter.Burst())
}

func fakeDiscovery() *fakediscovery.FakeDiscovery {
	return &fakediscovery.FakeDiscovery{Fake: &clienttesting.Fake{
		Resources: []*metav1.APIResourceList{
			{
				GroupVersion: "v1",
				APIResources: []metav1.APIResource{
					{Name: "pods", Kind: "Pod", Namespaced: true, Verbs: []string{"get", "list", "watch"}},
					{Name: "pods/log", Kind: "Pod", Namespaced: true, Verbs: []string{"get"}},
					{Name: "bindings", Kind: "Binding", Namespaced: true, Verbs: []string{"create"}},
					{Name: "namespaces", Kind: "Namespace", Verbs: []string{"list", "watch"}},
				},
			},
			{
				GroupVersion: "networking.k8s.io/v1",
				APIResources: []metav1.APIResource{
					{Name: "ingresses", Kind: "Ingress", Namespaced: true, Verbs: []string{"list", "watch"}},
				},
			},
		},
	}}
}

func TestDiscoverAllResources(t *testing.T) {
	w := NewWatcherWithClient(Options{WatchAll: true}, nil, fakeDiscovery())

	resources, err := w.discoverAllResources()
	require.NoError(t, err)
	assert.ElementsMatch(t, []ResourceToWatch{
		{Kind: "Pod", APIVersion: "v1", Namespaced: true},
		{Kind: "Namespace", APIVersion: "v1"},
		{Kind: "Ingress", APIVersion: "networking.k8s.io/v1", Namespaced: true},
	}, resources)
}

func TestDiscoverWithoutDiscoveryClient(t *testing.T) {
	w := NewWatcherWithClient(Options{WatchAll: true}, nil, nil)
	err := w.Start(context.Background(), func(ResourceEvent) {})
	assert.Error(t, err)
	assert.False(t, w.IsWatching())
}

func TestResolve(t *testing.T) {
	w := NewWatcherWithClient(Options{}, nil, fakeDiscovery())

	ingress := w.resolve(ResourceToWatch{Kind: "Ingress", APIVersion: "networking.k8s.io/v1"})
	assert.Equal(t, schema.GroupVersionResource{Group: "networking.k8s.io", Version: "v1", Resource: "ingresses"}, ingress.gvr)
	assert.True(t, ingress.Namespaced, "scope comes from discovery")

	unknown := w.resolve(ResourceToWatch{Kind: "Widget", APIVersion: "example.com/v1", Namespaced: true})
	assert.Equal(t, "widgets", unknown.gvr.Resource)

	offline := NewWatcherWithClient(Options{}, nil, nil)
	pod := offline.resolve(ResourceToWatch{Kind: "Pod", APIVersion: "v1", Namespaced: true})
	assert.Equal(t, "pods", pod.gvr.Resource)
}

func TestHandleEventTracksPreviousVersions(t *testing.T) {
	var (
		mu  sync.Mutex
		got []ResourceEvent
	)
	handler := func(e ResourceEvent) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}
	versions := map[string]string{}
	resource := ResourceToWatch{Kind: "Pod", APIVersion: "v1", Namespaced: true}

	for _, frame := range []string{
		podFrame(watch.Added, "a", "1"),
		podFrame(watch.Modified, "a", "2"),
		podFrame(watch.Modified, "a", "3"),
	} {
		event := decodeUnstructured(t, frame)
		handleEvent(event, resource, versions, handler)
	}

	require.Len(t, got, 3)
	assert.Equal(t, "2", got[2].PreviousResourceVersion)
	assert.Equal(t, "3", versions["default/a"])
}

func decodeUnstructured(t *testing.T, frame string) stream.Event[unstructured.Unstructured] {
	t.Helper()
	d := stream.NewDecoder[unstructured.Unstructured](testutil.NewChunkedBody(frame))
	defer d.Close()
	event, err := d.Next()
	require.NoError(t, err)
	return event
}
