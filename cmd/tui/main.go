// Resource TUI for Kubernetes
//
// Watches every resource in the cluster, stores it in SQLite and provides a
// TUI to search it. Same as `k8s-apiwatcher tui`.

package main

import "github.com/worldsayshi/go-k8s-apiwatcher/internal/cmd"

func main() {
	cmd.Execute(cmd.NewStandaloneCommand("tui", cmd.NewTUICommand))
}
