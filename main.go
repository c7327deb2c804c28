// Kubernetes resource watcher
//
// Connects to a Kubernetes cluster and follows resource changes through the
// raw watch protocol, resuming from the last seen resource version and
// starting over when the server reports it expired.
//
// Usage:
//   go run . watch                                              # default resources in the default namespace
//   go run . watch --all --all-namespaces                       # all resources across all namespaces
//   go run . watch --kind=Pod --api-version=v1                  # only pods
//   go run . pods --all-namespaces --metrics-address=:9090      # pod tracker with metrics
//   go run . tui --log-file=/tmp/k8s-tui.log                    # search UI backed by SQLite

package main

import "github.com/worldsayshi/go-k8s-apiwatcher/internal/cmd"

func main() {
	cmd.Execute(cmd.NewRootCommand())
}
