// Package stream decodes the body of a watch response into change events.
package stream

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// Event is a single change event decoded from a watch stream.
//
// For ADDED, MODIFIED, DELETED and BOOKMARK events Object is set. ERROR
// events carry either a Status (when the payload is a meta/v1 Status) or
// the undecoded Raw payload.
type Event[T any] struct {
	Type   watch.EventType
	Object *T
	Status *metav1.Status
	Raw    []byte
}

// IsErrorStatus reports whether the event is an ERROR frame carrying a Status.
func (e Event[T]) IsErrorStatus() bool {
	return e.Type == watch.Error && e.Status != nil
}

// IsErrorOther reports whether the event is an ERROR frame with an
// unrecognized payload.
func (e Event[T]) IsErrorOther() bool {
	return e.Type == watch.Error && e.Status == nil
}
