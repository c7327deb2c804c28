package watchrequest

import (
	"fmt"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Resource identifies a Kubernetes resource type to watch
type Resource struct {
	Kind       string
	APIVersion string
	Namespaced bool
}

// GroupVersionResource resolves the plural resource name from the kind
func (r Resource) GroupVersionResource() schema.GroupVersionResource {
	group, version := SplitAPIVersion(r.APIVersion)
	return schema.GroupVersionResource{
		Group:    group,
		Version:  version,
		Resource: ResourceNameFromKind(r.Kind),
	}
}

// String returns Kind/version or Kind.group/version
func (r Resource) String() string {
	group, version := SplitAPIVersion(r.APIVersion)
	if group != "" {
		return fmt.Sprintf("%s.%s/%s", r.Kind, group, version)
	}
	return fmt.Sprintf("%s/%s", r.Kind, version)
}

// Pods builds typed pod watch requests. An empty namespace watches all namespaces.
func Pods(namespace string) ResourceBuilder[corev1.Pod] {
	return ResourceBuilder[corev1.Pod]{
		Resource:  corev1.SchemeGroupVersion.WithResource("pods"),
		Namespace: namespace,
	}
}

// ForResource builds untyped watch requests for any resource. The
// namespace is ignored for cluster-scoped resources.
func ForResource(r Resource, namespace string) ResourceBuilder[unstructured.Unstructured] {
	b := ResourceBuilder[unstructured.Unstructured]{Resource: r.GroupVersionResource()}
	if r.Namespaced {
		b.Namespace = namespace
	}
	return b
}

var kindToResource = map[string]string{
	"Pod":                      "pods",
	"Deployment":               "deployments",
	"Service":                  "services",
	"ConfigMap":                "configmaps",
	"Secret":                   "secrets",
	"Namespace":                "namespaces",
	"Node":                     "nodes",
	"PersistentVolume":         "persistentvolumes",
	"PersistentVolumeClaim":    "persistentvolumeclaims",
	"Ingress":                  "ingresses",
	"Job":                      "jobs",
	"CronJob":                  "cronjobs",
	"StatefulSet":              "statefulsets",
	"DaemonSet":                "daemonsets",
	"ReplicaSet":               "replicasets",
	"Endpoints":                "endpoints",
	"ServiceAccount":           "serviceaccounts",
	"Role":                     "roles",
	"RoleBinding":              "rolebindings",
	"ClusterRole":              "clusterroles",
	"ClusterRoleBinding":       "clusterrolebindings",
	"CustomResourceDefinition": "customresourcedefinitions",
}

// ResourceNameFromKind pluralizes common kinds and guesses the rest
func ResourceNameFromKind(kind string) string {
	if resource, ok := kindToResource[kind]; ok {
		return resource
	}
	lower := strings.ToLower(kind)
	switch {
	case strings.HasSuffix(lower, "s"), strings.HasSuffix(lower, "x"):
		return lower + "es"
	case len(lower) > 1 && lower[len(lower)-1] == 'y' && !strings.ContainsRune("aeiou", rune(lower[len(lower)-2])):
		return lower[:len(lower)-1] + "ies"
	default:
		return lower + "s"
	}
}

// SplitAPIVersion splits an API version into group and version
func SplitAPIVersion(apiVersion string) (string, string) {
	if idx := strings.Index(apiVersion, "/"); idx != -1 {
		return apiVersion[:idx], apiVersion[idx+1:]
	}
	// core API group
	return "", apiVersion
}

// Watchable reports whether a discovered resource supports watch and is
// not a subresource
func Watchable(name string, verbs []string) bool {
	return slices.Contains(verbs, "watch") && !strings.Contains(name, "/")
}
