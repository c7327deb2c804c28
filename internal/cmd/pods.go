package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/client"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/config"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

var podsOptions = config.Select(
	config.Namespace, config.AllNamespaces, config.LabelSelector,
	config.Bookmarks, config.WatchTimeout, config.BackoffInitial, config.BackoffMax,
)

// NewPodsCommand tracks pod metadata through a typed watch
func NewPodsCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pods",
		Short: "Track pod placement and phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := client.NewFromKubeconfig(v.GetString(config.Kubeconfig))
			if err != nil {
				return err
			}
			tracker := watcher.NewPodTracker(c, namespaceFrom(v), v.GetString(config.LabelSelector), sessionOptionsFrom(v))
			return runPods(cmd.Context(), tracker, v.GetString(config.MetricsAddress))
		},
	}
	bindCommandFlags(cmd, v, podsOptions)
	return cmd
}

func runPods(ctx context.Context, tracker *watcher.PodTracker, metricsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, metricsAddr)

	tracker.OnChange(func(eventType watch.EventType, pod watcher.PodInfo) {
		log.Info(podLine(eventType, pod))
	})
	g.Go(func() error {
		if err := tracker.Run(ctx); err != nil {
			return err
		}
		log.Infof("Stopped tracking %d pods", len(tracker.List()))
		return nil
	})
	return g.Wait()
}
