package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/framer"
	"k8s.io/apimachinery/pkg/watch"
	k8sjson "sigs.k8s.io/json"
)

const (
	initialFrameBytes = 1024
	maxFrameBytes     = 16 * 1024 * 1024
)

// Decoder turns a watch response body into a forward-only sequence of
// events. Frames may arrive split across any number of reads; undecoded
// bytes are buffered until the frame is complete. Bytes are only pulled
// from the body when the caller asks for the next event.
//
// A Decoder is not safe for concurrent use, except for Close.
type Decoder[T any] struct {
	body      *frameLimitReader
	frames    io.ReadCloser
	buf       []byte
	maxFrame  int
	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewDecoder returns a Decoder reading newline or whitespace separated
// JSON watch frames from body. The Decoder owns body and closes it on Close.
func NewDecoder[T any](body io.ReadCloser) *Decoder[T] {
	return newDecoder[T](body, maxFrameBytes)
}

func newDecoder[T any](body io.ReadCloser, maxFrame int) *Decoder[T] {
	// the framer reads ahead into the following frame
	limited := &frameLimitReader{ReadCloser: body, limit: 2 * maxFrame}
	return &Decoder[T]{
		body:     limited,
		frames:   framer.NewJSONFramedReader(limited),
		buf:      make([]byte, initialFrameBytes),
		maxFrame: maxFrame,
	}
}

// Next blocks until the next event is available. It returns io.EOF once
// the stream has ended, either because the peer closed it or because the
// caller canceled the request or closed the decoder. A *DecodeError or
// *ReadError ends the sequence; later calls return io.EOF.
func (d *Decoder[T]) Next() (Event[T], error) {
	if d.done {
		return Event[T]{}, io.EOF
	}

	frame, err := d.readFrame()
	if err != nil {
		d.done = true
		return Event[T]{}, d.classify(err)
	}

	event, err := decodeEvent[T](frame)
	if err != nil {
		d.done = true
		return Event[T]{}, &DecodeError{Err: err}
	}
	return event, nil
}

// All returns the remaining events as a range-over-func sequence. The
// body is closed when the loop finishes for any reason, including an
// early break by the caller.
func (d *Decoder[T]) All() iter.Seq2[Event[T], error] {
	return func(yield func(Event[T], error) bool) {
		defer d.Close()
		for {
			event, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the underlying connection. It is safe to call more than
// once and from another goroutine to interrupt a blocked Next.
func (d *Decoder[T]) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.closeErr = d.frames.Close()
	})
	return d.closeErr
}

// readFrame reads one complete JSON frame, growing the buffer while the
// framer reports a short buffer.
func (d *Decoder[T]) readFrame() ([]byte, error) {
	base := 0
	for {
		n, err := d.frames.Read(d.buf[base:])
		if err == io.ErrShortBuffer {
			if n == 0 {
				return nil, &DecodeError{Err: fmt.Errorf("got short buffer with n=0, base=%d, cap=%d", base, cap(d.buf))}
			}
			base += n
			if len(d.buf) >= d.maxFrame {
				return nil, &DecodeError{Err: ErrFrameTooLarge}
			}
			d.buf = append(d.buf, make([]byte, len(d.buf))...)
			continue
		}
		if err != nil {
			return nil, err
		}
		d.body.frameDone()
		return d.buf[:base+n], nil
	}
}

func (d *Decoder[T]) classify(err error) error {
	var (
		decodeErr *DecodeError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case err == io.EOF, d.closed.Load():
		return io.EOF
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return io.EOF
	case errors.As(err, &decodeErr):
		return decodeErr
	case errors.Is(err, ErrFrameTooLarge):
		return &DecodeError{Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return &DecodeError{Err: err}
	default:
		return &ReadError{Err: err}
	}
}

func decodeEvent[T any](frame []byte) (Event[T], error) {
	var got metav1.WatchEvent
	if err := k8sjson.UnmarshalCaseSensitivePreserveInts(frame, &got); err != nil {
		return Event[T]{}, err
	}

	eventType := watch.EventType(got.Type)
	switch eventType {
	case watch.Added, watch.Modified, watch.Deleted, watch.Bookmark:
		if len(got.Object.Raw) == 0 {
			return Event[T]{}, fmt.Errorf("%s event has no object", eventType)
		}
		obj := new(T)
		if err := k8sjson.UnmarshalCaseSensitivePreserveInts(got.Object.Raw, obj); err != nil {
			return Event[T]{}, fmt.Errorf("failed to decode %s object: %w", eventType, err)
		}
		return Event[T]{Type: eventType, Object: obj}, nil

	case watch.Error:
		status := &metav1.Status{}
		err := k8sjson.UnmarshalCaseSensitivePreserveInts(got.Object.Raw, status)
		if err == nil && (status.Kind == "Status" || status.Status != "") {
			return Event[T]{Type: eventType, Status: status}, nil
		}
		return Event[T]{Type: eventType, Raw: got.Object.Raw}, nil

	default:
		return Event[T]{}, fmt.Errorf("got invalid watch event type: %q", got.Type)
	}
}

// frameLimitReader fails with ErrFrameTooLarge once more than limit bytes
// were read since the last complete frame, so an oversized frame is
// rejected before it is buffered in full.
type frameLimitReader struct {
	io.ReadCloser
	limit int
	read  int
}

func (r *frameLimitReader) Read(p []byte) (int, error) {
	if r.read >= r.limit {
		return 0, ErrFrameTooLarge
	}
	if rest := r.limit - r.read; len(p) > rest {
		p = p[:rest]
	}
	n, err := r.ReadCloser.Read(p)
	r.read += n
	return n, err
}

func (r *frameLimitReader) frameDone() {
	r.read = 0
}
