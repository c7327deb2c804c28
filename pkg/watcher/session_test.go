package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/internal/testutil"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/apiwatcher"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/metrics"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

func podFrame(eventType watch.EventType, name, rv string) string {
	return fmt.Sprintf(`{"type":%q,"object":{"kind":"Pod","apiVersion":"v1","metadata":{"name":%q,"namespace":"default","uid":"uid-%s","resourceVersion":%q},"spec":{"nodeName":"node-1","containers":[{"name":"app"}]}}}`+"\n",
		eventType, name, name, rv)
}

const expiredFrame = `{"type":"ERROR","object":{"kind":"Status","apiVersion":"v1","status":"Failure","message":"too old resource version","reason":"Expired","code":410}}` + "\n"

type step struct {
	chunks []string
	err    error
}

// scriptedInvoker replays steps, then blocks until the context ends.
type scriptedInvoker struct {
	mu    sync.Mutex
	steps []step
	calls []watchrequest.Optional
}

func (f *scriptedInvoker) Watch(ctx context.Context, opts watchrequest.Optional) (*stream.Decoder[corev1.Pod], error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	if len(f.steps) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, &apiwatcher.InvocationError{Kind: apiwatcher.Other, Err: &apiwatcher.RequestError{Err: ctx.Err()}}
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	f.mu.Unlock()

	if st.err != nil {
		return nil, st.err
	}
	return stream.NewDecoder[corev1.Pod](testutil.NewChunkedBody(st.chunks...)), nil
}

func (f *scriptedInvoker) cursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		cursors = append(cursors, c.ResourceVersion)
	}
	return cursors
}

func desync() error {
	return &apiwatcher.InvocationError{Kind: apiwatcher.Desync, Err: &apiwatcher.BadStatusError{StatusCode: http.StatusGone}}
}

func otherStatus(code int) error {
	return &apiwatcher.InvocationError{Kind: apiwatcher.Other, Err: &apiwatcher.BadStatusError{StatusCode: code}}
}

func fastOptions() SessionOptions {
	return SessionOptions{
		AllowWatchBookmarks: true,
		Backoff:             wait.Backoff{Duration: time.Millisecond, Factor: 2, Steps: 10, Cap: 5 * time.Millisecond},
	}
}

// runUntilIdle runs the session until the invoker ran out of steps.
func runUntilIdle(t *testing.T, s *Session[corev1.Pod], inv *scriptedInvoker, handler Handler[corev1.Pod]) error {
	t.Helper()
	inv.mu.Lock()
	idleCall := len(inv.calls) + len(inv.steps) + 1
	inv.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		inv.mu.Lock()
		defer inv.mu.Unlock()
		return len(inv.calls) == idleCall
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after cancel")
		return nil
	}
}

func TestSessionEndToEnd(t *testing.T) {
	frame100 := podFrame(watch.Added, "web-0", "100")
	half := len(frame100) / 2

	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Query().Get("resourceVersion"))
		call := len(queries)
		mu.Unlock()

		switch call {
		case 1:
			_, _ = io.WriteString(w, frame100[:half])
			w.(http.Flusher).Flush()
			time.Sleep(20 * time.Millisecond)
			_, _ = io.WriteString(w, frame100[half:])
		case 2:
			w.WriteHeader(http.StatusGone)
		default:
			_, _ = io.WriteString(w, podFrame(watch.Added, "web-1", "205"))
		}
	}))
	defer srv.Close()

	c, err := client.New(client.Config{Host: srv.URL, BearerToken: "token", Transport: srv.Client().Transport})
	require.NoError(t, err)
	session := NewSession[corev1.Pod]("e2e-pods", apiwatcher.New[corev1.Pod](c, watchrequest.Pods("default")), fastOptions())

	var events []stream.Event[corev1.Pod]
	collect := func(e stream.Event[corev1.Pod]) { events = append(events, e) }
	ctx := context.Background()

	require.NoError(t, session.RunCycle(ctx, collect))
	require.Len(t, events, 1)
	assert.Equal(t, watch.Added, events[0].Type)
	assert.Equal(t, "100", events[0].Object.ResourceVersion)
	rv, ok := session.ResourceVersion()
	assert.True(t, ok)
	assert.Equal(t, "100", rv)

	err = session.RunCycle(ctx, collect)
	assert.True(t, apiwatcher.IsDesync(err))
	_, ok = session.ResourceVersion()
	assert.False(t, ok, "desync must reset the cursor")

	require.NoError(t, session.RunCycle(ctx, collect))
	rv, ok = session.ResourceVersion()
	assert.True(t, ok)
	assert.Equal(t, "205", rv)

	mu.Lock()
	assert.Equal(t, []string{"", "100", ""}, queries)
	mu.Unlock()

	status := session.Status()
	assert.Equal(t, 3, status.Cycles)
	assert.Equal(t, 1, status.Resyncs)
	assert.Equal(t, 2, status.Events)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.Resyncs.WithLabelValues("e2e-pods")))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(metrics.Invocations.WithLabelValues("e2e-pods", metrics.OutcomeStream)))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.Invocations.WithLabelValues("e2e-pods", metrics.OutcomeDesync)))
}

func TestSessionRunResumesFromCursor(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{chunks: []string{podFrame(watch.Added, "a", "10"), podFrame(watch.Modified, "a", "11")}},
		{err: otherStatus(http.StatusInternalServerError)},
		{chunks: []string{`{"type":"BOOKMARK","object":{"kind":"Pod","apiVersion":"v1","metadata":{"resourceVersion":"20"}}}`}},
		{chunks: []string{podFrame(watch.Deleted, "a", "21")}},
	}}
	s := NewSession[corev1.Pod]("resume-pods", inv, fastOptions())

	var types []watch.EventType
	err := runUntilIdle(t, s, inv, func(e stream.Event[corev1.Pod]) { types = append(types, e.Type) })
	require.NoError(t, err)

	assert.Equal(t, []watch.EventType{watch.Added, watch.Modified, watch.Bookmark, watch.Deleted}, types)
	assert.Equal(t, []string{"", "11", "11", "20", "21"}, inv.cursors())
	assert.Equal(t, PhaseStopped, s.Status().Phase)
	assert.Contains(t, s.Status().LastError, "500")
}

func TestSessionRunResetsOnDesync(t *testing.T) {
	resyncs := 0
	opts := fastOptions()
	opts.OnResync = func() { resyncs++ }

	inv := &scriptedInvoker{steps: []step{
		{chunks: []string{podFrame(watch.Added, "a", "10")}},
		{err: desync()},
		{chunks: []string{podFrame(watch.Added, "a", "30"), expiredFrame}},
		{chunks: []string{podFrame(watch.Added, "a", "40")}},
	}}
	s := NewSession[corev1.Pod]("desync-pods", inv, opts)

	require.NoError(t, runUntilIdle(t, s, inv, func(stream.Event[corev1.Pod]) {}))

	assert.Equal(t, []string{"", "10", "", "", "40"}, inv.cursors())
	assert.Equal(t, 2, resyncs)
	assert.Equal(t, 2, s.Status().Resyncs)
}

func TestSessionRunRetriesDecodeErrors(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{chunks: []string{podFrame(watch.Added, "a", "10"), "{not json}\n", podFrame(watch.Added, "b", "99")}},
		{chunks: []string{podFrame(watch.Added, "b", "12")}},
	}}
	s := NewSession[corev1.Pod]("decode-pods", inv, fastOptions())

	var names []string
	require.NoError(t, runUntilIdle(t, s, inv, func(e stream.Event[corev1.Pod]) { names = append(names, e.Object.Name+"@"+e.Object.ResourceVersion) }))

	assert.Equal(t, []string{"a@10", "b@12"}, names, "frames after a decode error are abandoned")
	assert.Equal(t, []string{"", "10", "12"}, inv.cursors())
	assert.Equal(t, float64(1), promtestutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("decode-pods")))
}

func TestSessionRunStopsOnFatalErrors(t *testing.T) {
	tests := map[string]error{
		"preparation": &apiwatcher.InvocationError{Kind: apiwatcher.Other, Err: &apiwatcher.RequestPreparationError{Err: errors.New("bad namespace")}},
		"not found":   otherStatus(http.StatusNotFound),
	}
	for name, fatalErr := range tests {
		t.Run(name, func(t *testing.T) {
			inv := &scriptedInvoker{steps: []step{{err: fatalErr}}}
			s := NewSession[corev1.Pod]("fatal-"+name, inv, fastOptions())

			err := s.Run(context.Background(), func(stream.Event[corev1.Pod]) {})
			require.Error(t, err)
			assert.ErrorIs(t, err, fatalErr)
			assert.Equal(t, PhaseFailed, s.Status().Phase)
			assert.Len(t, inv.cursors(), 1)
		})
	}
}

func TestSessionErrorEvents(t *testing.T) {
	tests := []struct {
		name       string
		frame      string
		wantDesync bool
	}{
		{name: "expired status", frame: expiredFrame, wantDesync: true},
		{name: "gone code only", frame: `{"type":"ERROR","object":{"kind":"Status","status":"Failure","code":410}}`, wantDesync: true},
		{name: "internal error status", frame: `{"type":"ERROR","object":{"kind":"Status","status":"Failure","reason":"InternalError","code":500}}`},
		{name: "unrecognized payload", frame: `{"type":"ERROR","object":{"what":"ever"}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := &scriptedInvoker{steps: []step{
				{chunks: []string{podFrame(watch.Added, "a", "10")}},
				{chunks: []string{tc.frame, podFrame(watch.Added, "a", "11")}},
			}}
			s := NewSession[corev1.Pod]("error-event-"+tc.name, inv, fastOptions())
			ctx := context.Background()
			noop := func(stream.Event[corev1.Pod]) {}

			require.NoError(t, s.RunCycle(ctx, noop))
			err := s.RunCycle(ctx, noop)
			require.Error(t, err)
			assert.Equal(t, tc.wantDesync, apiwatcher.IsDesync(err))

			rv, _ := s.ResourceVersion()
			if tc.wantDesync {
				assert.Empty(t, rv)
			} else {
				assert.Equal(t, "10", rv, "cursor must not move on a failed cycle")
			}
		})
	}
}

func TestSessionSkipsObjectsWithoutResourceVersion(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{chunks: []string{podFrame(watch.Added, "a", "10"), `{"type":"MODIFIED","object":{"kind":"Pod","apiVersion":"v1","metadata":{"name":"a"}}}`}},
	}}
	s := NewSession[corev1.Pod]("no-rv-pods", inv, fastOptions())

	count := 0
	require.NoError(t, s.RunCycle(context.Background(), func(stream.Event[corev1.Pod]) { count++ }))
	assert.Equal(t, 2, count, "the event is still delivered")
	rv, _ := s.ResourceVersion()
	assert.Equal(t, "10", rv)
}

func TestSessionRequestOptions(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{{chunks: nil}}}
	opts := fastOptions()
	opts.Timeout = 90 * time.Second
	s := NewSession[corev1.Pod]("options-pods", inv, opts)

	require.NoError(t, s.RunCycle(context.Background(), func(stream.Event[corev1.Pod]) {}))

	inv.mu.Lock()
	defer inv.mu.Unlock()
	require.Len(t, inv.calls, 1)
	assert.True(t, inv.calls[0].AllowWatchBookmarks)
	require.NotNil(t, inv.calls[0].TimeoutSeconds)
	assert.Equal(t, int64(90), *inv.calls[0].TimeoutSeconds)
}

func TestSessionTimeoutRoundsUp(t *testing.T) {
	for timeout, want := range map[time.Duration]int64{
		time.Millisecond:        1,
		500 * time.Millisecond:  1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	} {
		inv := &scriptedInvoker{steps: []step{{chunks: nil}}}
		opts := fastOptions()
		opts.Timeout = timeout
		s := NewSession[corev1.Pod]("timeout-pods", inv, opts)

		require.NoError(t, s.RunCycle(context.Background(), func(stream.Event[corev1.Pod]) {}))
		require.NotNil(t, inv.calls[0].TimeoutSeconds, timeout)
		assert.Equal(t, want, *inv.calls[0].TimeoutSeconds, timeout)
	}
}

func TestNewSessionDefaultsZeroBackoff(t *testing.T) {
	s := NewSession[corev1.Pod]("pods", &scriptedInvoker{}, SessionOptions{})
	assert.Equal(t, time.Second, s.opts.Backoff.Duration)

	opts := fastOptions()
	s = NewSession[corev1.Pod]("pods", &scriptedInvoker{}, opts)
	assert.Equal(t, opts.Backoff, s.opts.Backoff)
}

// repeatInvoker answers every watch the same way
type repeatInvoker struct {
	calls atomic.Int32
	err   error
}

func (f *repeatInvoker) Watch(context.Context, watchrequest.Optional) (*stream.Decoder[corev1.Pod], error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return stream.NewDecoder[corev1.Pod](testutil.NewChunkedBody()), nil
}

func TestSessionBacksOffWithoutProgress(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "repeated desync", err: desync()},
		{name: "empty streams", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &repeatInvoker{err: tt.err}
			opts := fastOptions()
			opts.Backoff = wait.Backoff{Duration: 20 * time.Millisecond, Factor: 1, Steps: math.MaxInt32}
			s := NewSession[corev1.Pod]("busy-pods", inv, opts)

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			require.NoError(t, s.Run(ctx, func(stream.Event[corev1.Pod]) {}))

			calls := inv.calls.Load()
			assert.GreaterOrEqual(t, calls, int32(2))
			assert.LessOrEqual(t, calls, int32(20), "watch was retried without delay")
		})
	}
}

func TestSessionReconnectsImmediatelyAfterEvents(t *testing.T) {
	inv := &scriptedInvoker{steps: []step{
		{chunks: []string{podFrame(watch.Added, "web-0", "10")}},
		{chunks: []string{podFrame(watch.Modified, "web-0", "11")}},
		{err: desync()},
	}}
	opts := fastOptions()
	opts.Backoff = wait.Backoff{Duration: time.Hour, Factor: 1, Steps: math.MaxInt32}
	s := NewSession[corev1.Pod]("eager-pods", inv, opts)

	// an hour long backoff would stall this run after any delay
	require.NoError(t, runUntilIdle(t, s, inv, func(stream.Event[corev1.Pod]) {}))
	assert.Equal(t, []string{"", "10", "11", ""}, inv.cursors())
}

func TestDefaultBackoffCaps(t *testing.T) {
	b := DefaultBackoff(time.Second, 4*time.Second)
	b.Jitter = 0
	var delays []time.Duration
	for range 5 {
		delays = append(delays, b.Step())
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, delays)
}
