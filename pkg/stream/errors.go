package stream

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is reported when a single frame outgrows the decode buffer.
var ErrFrameTooLarge = errors.New("watch frame exceeds the maximum allowed size")

// DecodeError is returned when the stream contains bytes that do not form
// a valid watch event. The decoder yields nothing after it.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode watch event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReadError is returned when reading the response body fails for a reason
// other than the peer closing the stream or the caller canceling it.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read watch stream: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}
