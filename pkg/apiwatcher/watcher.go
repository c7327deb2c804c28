// Package apiwatcher performs single watch invocations against the API server.
//
// Watch builds a request for the caller's cursor, sends it and classifies
// the response. A 200 response yields a stream of events; 410 Gone yields
// a Desync error; anything else yields an Other error. Nothing is retried
// here.
package apiwatcher

import (
	"context"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sjson "sigs.k8s.io/json"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watchrequest"
)

const maxStatusBodyBytes = 64 * 1024

// statusReadTimeout bounds the wait for the body of a rejected watch. The
// status code alone decides the error kind; the body only adds details.
var statusReadTimeout = 5 * time.Second

// Watcher invokes watches for objects of type T.
type Watcher[T any] struct {
	client  *client.Client
	builder watchrequest.Builder[T]
}

// New returns a Watcher sending requests built by b through c.
func New[T any](c *client.Client, b watchrequest.Builder[T]) *Watcher[T] {
	return &Watcher[T]{client: c, builder: b}
}

// Watch opens one watch cycle. On success the caller owns the returned
// decoder and must drain or close it. Canceling ctx ends the stream.
func (w *Watcher[T]) Watch(ctx context.Context, opts watchrequest.Optional) (*stream.Decoder[T], error) {
	req, err := w.builder.Build(ctx, opts)
	if err != nil {
		return nil, &InvocationError{Kind: Other, Err: &RequestPreparationError{Err: err}}
	}

	resp, err := w.client.Send(req.Request)
	if err != nil {
		return nil, &InvocationError{Kind: Other, Err: &RequestError{Err: err}}
	}

	if resp.StatusCode == http.StatusOK {
		return stream.NewDecoder[T](&contextBody{ctx: ctx, ReadCloser: resp.Body}), nil
	}

	badStatus := &BadStatusError{StatusCode: resp.StatusCode, Details: readStatus(resp)}
	kind := Other
	if resp.StatusCode == http.StatusGone {
		kind = Desync
	}
	log.Debugf("Watch of %s rejected: %v", req.URL.Path, badStatus)
	return nil, &InvocationError{Kind: kind, Err: badStatus}
}

// contextBody reports the context error for read failures caused by the
// caller canceling the request, so the decoder treats them as a clean end.
type contextBody struct {
	ctx context.Context
	io.ReadCloser
}

func (b *contextBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF && b.ctx.Err() != nil {
		return n, b.ctx.Err()
	}
	return n, err
}

// readStatus closes the body and returns the Status it carries, if any.
// A body that does not arrive within statusReadTimeout is abandoned.
func readStatus(resp *http.Response) *metav1.Status {
	abandon := time.AfterFunc(statusReadTimeout, func() { resp.Body.Close() })
	defer abandon.Stop()
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBodyBytes))
	if err != nil || len(data) == 0 {
		return nil
	}
	status := &metav1.Status{}
	if err := k8sjson.UnmarshalCaseSensitivePreserveInts(data, status); err != nil {
		return nil
	}
	if status.Kind != "Status" {
		return nil
	}
	return status
}
