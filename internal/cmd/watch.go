package cmd

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/config"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

var watchOptions = config.Select(
	config.Namespace, config.AllNamespaces, config.WatchAll, config.Kind, config.APIVersion,
	config.LabelSelector, config.FieldSelector, config.Bookmarks, config.WatchTimeout,
	config.BackoffInitial, config.BackoffMax,
)

// NewWatchCommand logs every change to the watched resource types
func NewWatchCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log added, modified and deleted resources",
		Example: `  k8s-apiwatcher watch                                   # default resources in the default namespace
  k8s-apiwatcher watch --all --all-namespaces             # everything the cluster serves
  k8s-apiwatcher watch --kind=Deployment --api-version=apps/v1 --namespace=kube-system`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := watcherOptionsFrom(v)
			w, err := watcher.NewWatcher(opts)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), w, opts, v.GetString(config.MetricsAddress))
		},
	}
	bindCommandFlags(cmd, v, watchOptions)
	bind := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if err := bind(cmd, args); err != nil {
			return err
		}
		return validateKind(v)
	}
	return cmd
}

// validateKind rejects a resource given by only one of kind and api version
func validateKind(v *viper.Viper) error {
	if (v.GetString(config.Kind) == "") != (v.GetString(config.APIVersion) == "") {
		return errors.New("--kind and --api-version must be set together")
	}
	return nil
}

func runWatch(ctx context.Context, w watcher.ResourceWatcher, opts watcher.Options, metricsAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	serveMetrics(ctx, g, metricsAddr)

	if opts.Namespace == "" {
		log.Info("Starting to watch resources across all namespaces")
	} else {
		log.Infof("Starting to watch resources in namespace: %s", opts.Namespace)
	}

	if err := w.Start(ctx, logEvent); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	log.Info("Watchers started. Press Ctrl+C to exit.")

	g.Go(func() error {
		<-ctx.Done()
		w.Stop()
		log.Info("Watcher stopped cleanly")
		return nil
	})
	return g.Wait()
}
