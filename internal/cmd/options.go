package cmd

import (
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/config"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

// sessionStartRate keeps discovery of many resource types from opening
// all watches at once.
const (
	sessionStartRate  = rate.Limit(10)
	sessionStartBurst = 5
)

func namespaceFrom(v *viper.Viper) string {
	if v.GetBool(config.AllNamespaces) {
		return ""
	}
	return v.GetString(config.Namespace)
}

func sessionOptionsFrom(v *viper.Viper) watcher.SessionOptions {
	return watcher.SessionOptions{
		AllowWatchBookmarks: v.GetBool(config.Bookmarks),
		Timeout:             v.GetDuration(config.WatchTimeout),
		Backoff:             watcher.DefaultBackoff(v.GetDuration(config.BackoffInitial), v.GetDuration(config.BackoffMax)),
	}
}

func watcherOptionsFrom(v *viper.Viper) watcher.Options {
	opts := watcher.Options{
		Namespace:      namespaceFrom(v),
		WatchAll:       v.GetBool(config.WatchAll),
		KubeconfigPath: v.GetString(config.Kubeconfig),
		LabelSelector:  v.GetString(config.LabelSelector),
		FieldSelector:  v.GetString(config.FieldSelector),
		Session:        sessionOptionsFrom(v),
		StartRate:      sessionStartRate,
		StartBurst:     sessionStartBurst,
	}

	kind, apiVersion := v.GetString(config.Kind), v.GetString(config.APIVersion)
	if kind != "" && apiVersion != "" {
		opts.ResourceTypes = []watcher.ResourceToWatch{
			// scope is corrected from discovery when available
			{Kind: kind, APIVersion: apiVersion, Namespaced: true},
		}
	}
	return opts
}
