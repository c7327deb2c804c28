package apiwatcher

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Kind classifies a failed watch invocation.
type Kind int

const (
	// Other failures may be retried with the same cursor.
	Other Kind = iota
	// Desync means the server cannot resume from the cursor. The caller
	// must reset it and start over.
	Desync
)

func (k Kind) String() string {
	if k == Desync {
		return "desync"
	}
	return "other"
}

// InvocationError is returned by Watch when no stream could be opened.
type InvocationError struct {
	Kind Kind
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("watch invocation failed (%s): %v", e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsDesync reports whether err tells the caller to reset its cursor.
func IsDesync(err error) bool {
	var invErr *InvocationError
	return errors.As(err, &invErr) && invErr.Kind == Desync
}

// RequestPreparationError wraps a failure of the request builder.
type RequestPreparationError struct {
	Err error
}

func (e *RequestPreparationError) Error() string {
	return fmt.Sprintf("failed to prepare watch request: %v", e.Err)
}

func (e *RequestPreparationError) Unwrap() error {
	return e.Err
}

// RequestError wraps a transport failure.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("failed to send watch request: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// BadStatusError is returned for any response other than 200 OK. Details
// holds the Status object from the body when the server sent one.
type BadStatusError struct {
	StatusCode int
	Details    *metav1.Status
}

func (e *BadStatusError) Error() string {
	if e.Details != nil && e.Details.Message != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Details.Message)
	}
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Status lets apierrors helpers such as apierrors.IsGone inspect the error.
func (e *BadStatusError) Status() metav1.Status {
	if e.Details != nil {
		status := *e.Details
		if status.Code == 0 {
			status.Code = int32(e.StatusCode)
		}
		return status
	}
	return metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    int32(e.StatusCode),
		Message: http.StatusText(e.StatusCode),
	}
}

var _ apierrors.APIStatus = &BadStatusError{}
