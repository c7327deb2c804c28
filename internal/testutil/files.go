package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
	"sigs.k8s.io/yaml"
)

// TempFile owns a file on disk and removes it when released. Release runs
// on every exit path of the test through t.Cleanup, and may also be called
// early.
type TempFile struct {
	t    testing.TB
	path string
}

// NewTempFile writes data to name inside a per-test directory.
func NewTempFile(t testing.TB, name string, data []byte) *TempFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("unable to write %s: %v", path, err)
	}
	f := &TempFile{t: t, path: path}
	t.Cleanup(f.Release)
	return f
}

// Path returns the location of the file.
func (f *TempFile) Path() string {
	return f.path
}

// Release removes the file. Releasing twice is a no-op.
func (f *TempFile) Release() {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		f.t.Errorf("unable to clean up %s: %v", f.path, err)
	}
}

// WriteYAML marshals v as YAML into a temp file.
func WriteYAML(t testing.TB, name string, v any) *TempFile {
	t.Helper()
	data, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("unable to marshal %s: %v", name, err)
	}
	return NewTempFile(t, name, data)
}

// WriteKubeconfig writes a single-context kubeconfig pointing at server
// with a static bearer token.
func WriteKubeconfig(t testing.TB, server, token string) *TempFile {
	t.Helper()
	cfg := clientcmdapi.NewConfig()
	cfg.Clusters["test"] = &clientcmdapi.Cluster{Server: server, InsecureSkipTLSVerify: true}
	cfg.AuthInfos["test"] = &clientcmdapi.AuthInfo{Token: token}
	cfg.Contexts["test"] = &clientcmdapi.Context{Cluster: "test", AuthInfo: "test"}
	cfg.CurrentContext = "test"

	path := filepath.Join(t.TempDir(), "kubeconfig")
	if err := clientcmd.WriteToFile(*cfg, path); err != nil {
		t.Fatalf("unable to write kubeconfig: %v", err)
	}
	f := &TempFile{t: t, path: path}
	t.Cleanup(f.Release)
	return f
}
