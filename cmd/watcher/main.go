// Kubernetes Generic Resource Watcher
//
// Logs every added, modified and deleted object of the watched resource
// types. Same as `k8s-apiwatcher watch`.

package main

import "github.com/worldsayshi/go-k8s-apiwatcher/internal/cmd"

func main() {
	cmd.Execute(cmd.NewStandaloneCommand("watcher", cmd.NewWatchCommand))
}
