package resourceversion

import (
	"reflect"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/stream"
)

// Candidate is a resource version observed on a single object that has
// not been committed to a State yet.
type Candidate struct {
	resourceVersion string
}

// String returns the resource version carried by the candidate.
func (c Candidate) String() string {
	return c.resourceVersion
}

// FromWatchEvent returns a candidate from the object carried by event.
// ERROR events never yield a candidate.
func FromWatchEvent[T any](event stream.Event[T]) (Candidate, bool) {
	switch event.Type {
	case watch.Added, watch.Modified, watch.Deleted, watch.Bookmark:
		if event.Object == nil {
			log.Warn("Got k8s object without metadata")
			return Candidate{}, false
		}
		return FromObject(event.Object)
	default:
		return Candidate{}, false
	}
}

// FromObject returns a candidate if obj carries metadata with a non-empty
// resource version. Objects without one are logged and skipped.
func FromObject(obj any) (Candidate, bool) {
	if isNil(obj) {
		log.Warn("Got k8s object without metadata")
		return Candidate{}, false
	}
	if u, ok := obj.(*unstructured.Unstructured); ok {
		if _, found := u.Object["metadata"]; !found {
			log.Warn("Got k8s object without metadata")
			return Candidate{}, false
		}
	}

	accessor, err := meta.Accessor(obj)
	if err != nil {
		log.Warnf("Got k8s object without metadata: %T", obj)
		return Candidate{}, false
	}

	resourceVersion := accessor.GetResourceVersion()
	if resourceVersion == "" {
		log.Warn("Got empty resource version at object metadata")
		return Candidate{}, false
	}

	return Candidate{resourceVersion: resourceVersion}, true
}

func isNil(obj any) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	return v.Kind() == reflect.Pointer && v.IsNil()
}
