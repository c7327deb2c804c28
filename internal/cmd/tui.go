package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/config"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/db"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/ui"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

var tuiOptions = config.Select(
	config.DBPath, config.LabelSelector, config.FieldSelector,
	config.Bookmarks, config.WatchTimeout, config.BackoffInitial, config.BackoffMax,
)

// NewTUICommand stores every resource of the cluster in SQLite and opens a
// search UI on top of it
func NewTUICommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Search all cluster resources in a terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if v.GetString(config.LogFile) == "" {
				log.Warn("Logging to stderr will interfere with the UI, consider --log-file")
			}

			store, err := db.New(v.GetString(config.DBPath))
			if err != nil {
				return err
			}
			defer store.Close()

			// the UI mirrors the whole cluster
			opts := watcherOptionsFrom(v)
			opts.WatchAll = true
			opts.Namespace = ""
			opts.ResourceTypes = nil
			opts.OnResync = dropKind(store)

			w, err := watcher.NewWatcher(opts)
			if err != nil {
				return err
			}
			return runTUI(cmd.Context(), w, store)
		},
	}
	bindCommandFlags(cmd, v, tuiOptions)
	return cmd
}

func runTUI(ctx context.Context, w watcher.ResourceWatcher, store *db.ResourceStore) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := w.Start(ctx, storeEvents(store)); err != nil {
			log.Errorf("Failed to start watcher: %v", err)
			return
		}
		log.Info("Resource watcher started. Collecting resources...")
	}()

	err := ui.Run(store, w.Status)
	cancel()
	w.Stop()
	return err
}

// dropKind removes the stored objects of a resource whose watch resynced.
// The replayed ADDED events fill the table again.
func dropKind(store *db.ResourceStore) func(watcher.ResourceToWatch) {
	return func(resource watcher.ResourceToWatch) {
		n, err := store.DeleteKind(resource.Kind, resource.APIVersion)
		if err != nil {
			log.Errorf("Failed to drop %s after resync: %v", resource, err)
			return
		}
		log.Infof("Dropped %d %s objects after resync", n, resource)
	}
}
