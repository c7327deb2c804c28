package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

const maxSpecLength = 200

// logEvent writes one line per resource event
func logEvent(event watcher.ResourceEvent) {
	line := formatEvent(event)
	if line == "" {
		return
	}
	if event.Type == watch.Error {
		log.Warn(line)
		return
	}
	log.Info(line)
}

// formatEvent renders event for the watch command log
func formatEvent(event watcher.ResourceEvent) string {
	resourceStr := event.Resource.String()

	switch event.Type {
	case watch.Added:
		return fmt.Sprintf("[ADDED] %s: %s, Namespace: %s, ResourceVersion: %s",
			resourceStr, event.Name, event.Namespace, event.ResourceVersion) + specSuffix(event.Object)

	case watch.Modified:
		if event.PreviousResourceVersion == event.ResourceVersion {
			return fmt.Sprintf("[MODIFIED-NO-CHANGE] %s: %s, Namespace: %s, ResourceVersion unchanged: %s",
				resourceStr, event.Name, event.Namespace, event.ResourceVersion)
		}
		return fmt.Sprintf("[MODIFIED] %s: %s, Namespace: %s, ResourceVersion: %s -> %s",
			resourceStr, event.Name, event.Namespace, event.PreviousResourceVersion, event.ResourceVersion) +
			specSuffix(event.Object)

	case watch.Deleted:
		return fmt.Sprintf("[DELETED] %s: %s, Namespace: %s, Final ResourceVersion: %s",
			resourceStr, event.Name, event.Namespace, event.ResourceVersion)

	case watch.Error:
		if event.Error != nil {
			return fmt.Sprintf("[ERROR] %s: %v", resourceStr, event.Error)
		}
		return fmt.Sprintf("[ERROR] %s: Unknown error", resourceStr)
	}
	return ""
}

// specSuffix returns the condensed spec of obj, if it has one
func specSuffix(obj map[string]interface{}) string {
	spec, found := obj["spec"]
	if !found {
		return ""
	}
	specBytes, err := json.Marshal(spec)
	if err != nil || len(specBytes) == 0 {
		return ""
	}

	s := string(specBytes)
	if len(s) > maxSpecLength {
		s = s[:maxSpecLength] + "... (truncated)"
	}
	return ", Spec: " + s
}

// podLine renders a pod change for the pods command log
func podLine(eventType watch.EventType, pod watcher.PodInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Pod %s/%s", eventType, pod.Namespace, pod.Name)
	if eventType != watch.Deleted {
		fmt.Fprintf(&b, ", Phase: %s", pod.Phase)
		if pod.Node != "" {
			fmt.Fprintf(&b, ", Node: %s", pod.Node)
		}
		if len(pod.Containers) > 0 {
			fmt.Fprintf(&b, ", Containers: %s", strings.Join(pod.Containers, ","))
		}
	}
	fmt.Fprintf(&b, ", ResourceVersion: %s", pod.ResourceVersion)
	return b.String()
}
