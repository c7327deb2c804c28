package watcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/ptr"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/apiwatcher"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/metrics"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/resourceversion"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

// Phase of a watch session
type Phase string

const (
	PhaseIdle       Phase = "Idle"
	PhaseConnecting Phase = "Connecting"
	PhaseStreaming  Phase = "Streaming"
	PhaseBackoff    Phase = "Backoff"
	PhaseStopped    Phase = "Stopped"
	PhaseFailed     Phase = "Failed"
)

// SessionStatus is a point in time snapshot of a session
type SessionStatus struct {
	Resource        string
	Phase           Phase
	ResourceVersion string
	Cycles          int
	Events          int
	Resyncs         int
	LastError       string
	Since           time.Time
}

// SessionOptions tunes a session
type SessionOptions struct {
	// AllowWatchBookmarks asks the server for BOOKMARK events
	AllowWatchBookmarks bool
	// Timeout is the server side timeout of one watch cycle
	Timeout time.Duration
	// Backoff between failed cycles
	Backoff wait.Backoff
	// OnResync is called after the cursor was reset. The next cycle starts
	// with synthetic ADDED events for every existing object.
	OnResync func()
}

// DefaultBackoff grows the delay from initial up to max with 10% jitter
func DefaultBackoff(initial, maxDelay time.Duration) wait.Backoff {
	return wait.Backoff{
		Duration: initial,
		Factor:   2,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      maxDelay,
	}
}

// DefaultSessionOptions returns the options used by the commands
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		AllowWatchBookmarks: true,
		Timeout:             time.Hour,
		Backoff:             DefaultBackoff(time.Second, 30*time.Second),
	}
}

// Invoker opens one watch cycle. *apiwatcher.Watcher implements it.
type Invoker[T any] interface {
	Watch(ctx context.Context, opts watchrequest.Optional) (*stream.Decoder[T], error)
}

// Handler receives every event of a session, including ERROR events
type Handler[T any] func(event stream.Event[T])

// Session drives consecutive watch cycles for one resource type and owns
// its resource version cursor. The cursor survives reconnects and is only
// reset when the server reports desync.
type Session[T any] struct {
	name    string
	invoker Invoker[T]
	opts    SessionOptions
	state   *resourceversion.State

	mu     sync.RWMutex
	status SessionStatus
}

// NewSession returns an idle session. name labels logs and metrics. A
// backoff without an initial delay is replaced by the default one.
func NewSession[T any](name string, invoker Invoker[T], opts SessionOptions) *Session[T] {
	if opts.Backoff.Duration <= 0 {
		opts.Backoff = DefaultSessionOptions().Backoff
	}
	return &Session[T]{
		name:    name,
		invoker: invoker,
		opts:    opts,
		state:   resourceversion.NewState(),
		status:  SessionStatus{Resource: name, Phase: PhaseIdle, Since: time.Now()},
	}
}

// Name returns the resource label of the session
func (s *Session[T]) Name() string {
	return s.name
}

// Status returns a snapshot of the session
func (s *Session[T]) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ResourceVersion returns the current cursor
func (s *Session[T]) ResourceVersion() (string, bool) {
	status := s.Status()
	return status.ResourceVersion, status.ResourceVersion != ""
}

// Run watches until ctx is canceled or the session hits an error that a
// retry cannot fix. A cycle that delivered events is followed by an
// immediate reconnect, as is the first desync in a row. Everything else,
// including streams that end without events and repeated desyncs, waits
// for the backoff.
func (s *Session[T]) Run(ctx context.Context, handler Handler[T]) error {
	backoff := s.opts.Backoff
	desynced := false
	log.Infof("Starting watch session for %s", s.name)

	for {
		if ctx.Err() != nil {
			s.stop()
			return nil
		}

		delivered, err := s.cycle(ctx, handler)
		if ctx.Err() != nil {
			s.stop()
			return nil
		}
		if delivered > 0 {
			backoff = s.opts.Backoff
			desynced = false
		}

		switch {
		case err == nil:
			desynced = false
			if delivered > 0 {
				log.Debugf("Watch stream for %s ended, restarting", s.name)
				continue
			}
			if !s.retryAfter(ctx, &backoff, "Watch stream for %s ended without events", nil) {
				return nil
			}

		case apiwatcher.IsDesync(err):
			log.Warnf("Watch for %s desynchronized, restarting from scratch: %v", s.name, err)
			if !desynced {
				desynced = true
				continue
			}
			if !s.retryAfter(ctx, &backoff, "Watch for %s desynchronized again", err) {
				return nil
			}

		case fatal(err):
			log.Errorf("Giving up on watching %s: %v", s.name, err)
			s.setPhase(PhaseFailed, err)
			return err

		default:
			desynced = false
			if !s.retryAfter(ctx, &backoff, "Error watching %s", err) {
				return nil
			}
		}
	}
}

// retryAfter sleeps for the next backoff step. It returns false, with the
// session stopped, when ctx ends first.
func (s *Session[T]) retryAfter(ctx context.Context, backoff *wait.Backoff, format string, err error) bool {
	delay := backoff.Step()
	msg := fmt.Sprintf(format, s.name)
	if err != nil {
		log.Warnf("%s: %v (will retry in %s)", msg, err, delay.Round(time.Millisecond))
	} else {
		log.Debugf("%s (will retry in %s)", msg, delay.Round(time.Millisecond))
	}
	s.setPhase(PhaseBackoff, err)
	if !sleepCtx(ctx, delay) {
		s.stop()
		return false
	}
	return true
}

// RunCycle performs a single watch cycle and returns how it ended. A nil
// error means the stream was closed by the server or by ctx.
func (s *Session[T]) RunCycle(ctx context.Context, handler Handler[T]) error {
	_, err := s.cycle(ctx, handler)
	return err
}

func (s *Session[T]) cycle(ctx context.Context, handler Handler[T]) (int, error) {
	opts := watchrequest.Optional{AllowWatchBookmarks: s.opts.AllowWatchBookmarks}
	opts.ResourceVersion, _ = s.state.Get()
	if s.opts.Timeout > 0 {
		// rounded up, zero would disable the server side timeout
		opts.TimeoutSeconds = ptr.To(int64((s.opts.Timeout + time.Second - 1) / time.Second))
	}

	s.mu.Lock()
	s.status.Cycles++
	s.mu.Unlock()
	s.setPhase(PhaseConnecting, nil)

	decoder, err := s.invoker.Watch(ctx, opts)
	if err != nil {
		if apiwatcher.IsDesync(err) {
			metrics.Invocations.WithLabelValues(s.name, metrics.OutcomeDesync).Inc()
			s.resync()
		} else {
			metrics.Invocations.WithLabelValues(s.name, metrics.OutcomeOther).Inc()
		}
		return 0, err
	}
	defer decoder.Close()

	metrics.Invocations.WithLabelValues(s.name, metrics.OutcomeStream).Inc()
	s.setPhase(PhaseStreaming, nil)
	log.Debugf("Watch cycle for %s started at resource version %q", s.name, opts.ResourceVersion)

	delivered := 0
	for event, err := range decoder.All() {
		if err != nil {
			metrics.DecodeErrors.WithLabelValues(s.name).Inc()
			return delivered, err
		}
		delivered++
		metrics.Events.WithLabelValues(s.name, string(event.Type)).Inc()
		s.mu.Lock()
		s.status.Events++
		s.mu.Unlock()
		handler(event)

		if event.Type == watch.Error {
			return delivered, s.errorEvent(event)
		}
		if candidate, ok := resourceversion.FromWatchEvent(event); ok {
			s.advance(candidate)
		}
	}
	return delivered, nil
}

// errorEvent classifies an in-stream ERROR event. An expired resource
// version reported this way is a desync just like a 410 response.
func (s *Session[T]) errorEvent(event stream.Event[T]) error {
	if event.IsErrorOther() {
		return &apiwatcher.InvocationError{
			Kind: apiwatcher.Other,
			Err:  fmt.Errorf("unrecognized error event: %s", event.Raw),
		}
	}

	statusErr := apierrors.FromObject(event.Status)
	if event.Status.Code == http.StatusGone || apierrors.IsResourceExpired(statusErr) || apierrors.IsGone(statusErr) {
		s.resync()
		return &apiwatcher.InvocationError{Kind: apiwatcher.Desync, Err: statusErr}
	}
	return &apiwatcher.InvocationError{Kind: apiwatcher.Other, Err: statusErr}
}

func (s *Session[T]) advance(candidate resourceversion.Candidate) {
	s.state.Update(candidate)
	s.mu.Lock()
	s.status.ResourceVersion = candidate.String()
	s.mu.Unlock()
}

func (s *Session[T]) resync() {
	prev := s.state.Reset()
	metrics.Resyncs.WithLabelValues(s.name).Inc()
	log.Infof("Reset resource version of %s (was %q)", s.name, prev)

	s.mu.Lock()
	s.status.ResourceVersion = ""
	s.status.Resyncs++
	s.mu.Unlock()

	if s.opts.OnResync != nil {
		s.opts.OnResync()
	}
}

func (s *Session[T]) setPhase(phase Phase, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Phase != phase {
		s.status.Phase = phase
		s.status.Since = time.Now()
	}
	if err != nil {
		s.status.LastError = err.Error()
	}
}

func (s *Session[T]) stop() {
	log.Infof("Stopping watch session for %s (context canceled)", s.name)
	s.setPhase(PhaseStopped, nil)
}

// fatal reports errors that retrying with the same request cannot fix: a
// request that cannot be built, or a resource the server does not serve.
func fatal(err error) bool {
	var prepErr *apiwatcher.RequestPreparationError
	if errors.As(err, &prepErr) {
		return true
	}
	var badStatus *apiwatcher.BadStatusError
	return errors.As(err, &badStatus) && badStatus.StatusCode == http.StatusNotFound
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
