package watchrequest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestResourceNameFromKind(t *testing.T) {
	cases := map[string]string{
		"Pod":           "pods",
		"Ingress":       "ingresses",
		"NetworkPolicy": "networkpolicies",
		"Gateway":       "gateways",
		"Widget":        "widgets",
		"Endpoints":     "endpoints",
	}
	for kind, want := range cases {
		assert.Equal(t, want, ResourceNameFromKind(kind), kind)
	}
}

func TestSplitAPIVersion(t *testing.T) {
	group, version := SplitAPIVersion("v1")
	assert.Empty(t, group)
	assert.Equal(t, "v1", version)

	group, version = SplitAPIVersion("apps/v1")
	assert.Equal(t, "apps", group)
	assert.Equal(t, "v1", version)
}

func TestForResource(t *testing.T) {
	namespaced := ForResource(Resource{Kind: "Deployment", APIVersion: "apps/v1", Namespaced: true}, "prod")
	assert.Equal(t, schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, namespaced.Resource)
	assert.Equal(t, "prod", namespaced.Namespace)

	clusterScoped := ForResource(Resource{Kind: "Namespace", APIVersion: "v1"}, "prod")
	assert.Empty(t, clusterScoped.Namespace)
}

func TestResourceString(t *testing.T) {
	assert.Equal(t, "Pod/v1", Resource{Kind: "Pod", APIVersion: "v1"}.String())
	assert.Equal(t, "Deployment.apps/v1", Resource{Kind: "Deployment", APIVersion: "apps/v1"}.String())
}

func TestWatchable(t *testing.T) {
	assert.True(t, Watchable("pods", []string{"get", "list", "watch"}))
	assert.False(t, Watchable("pods/log", []string{"get", "watch"}))
	assert.False(t, Watchable("bindings", []string{"create"}))
}
