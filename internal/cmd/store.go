package cmd

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/db"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

// resourceWriter is the part of the store the tui command writes to
type resourceWriter interface {
	Upsert(resource db.Resource) error
	Delete(kind, apiVersion, namespace, name string) error
}

// storeEvents returns a handler that mirrors events into store
func storeEvents(store resourceWriter) watcher.EventHandler {
	return func(event watcher.ResourceEvent) {
		switch event.Type {
		case watch.Added, watch.Modified:
			data, err := json.Marshal(event.Object)
			if err != nil {
				log.Errorf("Failed to encode %s %s/%s: %v", event.Resource, event.Namespace, event.Name, err)
				return
			}
			r := db.Resource{
				UID:             event.UID,
				Name:            event.Name,
				Namespace:       event.Namespace,
				Kind:            event.Resource.Kind,
				APIVersion:      event.Resource.APIVersion,
				ResourceVersion: event.ResourceVersion,
				Data:            string(data),
			}
			if err := store.Upsert(r); err != nil {
				log.Errorf("Failed to store resource: %v", err)
			}

		case watch.Deleted:
			if err := store.Delete(event.Resource.Kind, event.Resource.APIVersion, event.Namespace, event.Name); err != nil {
				log.Errorf("Failed to delete resource: %v", err)
			}

		case watch.Error:
			log.Warnf("Watch error for %s: %v", event.Resource, event.Error)
		}
	}
}
