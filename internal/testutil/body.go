// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"io"
	"sync"
)

// ChunkedBody is a response body that hands out one chunk per Read call,
// the way a chunked HTTP body delivers TCP segments.
type ChunkedBody struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

// NewChunkedBody returns a body delivering the given chunks in order.
func NewChunkedBody(chunks ...string) *ChunkedBody {
	b := &ChunkedBody{}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func (b *ChunkedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	if len(b.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.chunks[0])
	if n < len(b.chunks[0]) {
		b.chunks[0] = b.chunks[0][n:]
	} else {
		b.chunks = b.chunks[1:]
	}
	return n, nil
}

// Close marks the body closed.
func (b *ChunkedBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *ChunkedBody) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// PipeBody is a body fed incrementally by the test through Send.
type PipeBody struct {
	*io.PipeReader
	w *io.PipeWriter
}

// NewPipeBody returns an empty body; reads block until Send is called.
func NewPipeBody() *PipeBody {
	r, w := io.Pipe()
	return &PipeBody{PipeReader: r, w: w}
}

// Send writes a chunk, blocking until the reader has consumed it.
func (p *PipeBody) Send(chunk string) error {
	_, err := p.w.Write([]byte(chunk))
	return err
}

// Finish ends the stream as if the peer closed the connection.
func (p *PipeBody) Finish() error {
	return p.w.Close()
}

// Fail makes pending and future reads return err.
func (p *PipeBody) Fail(err error) error {
	return p.w.CloseWithError(err)
}
