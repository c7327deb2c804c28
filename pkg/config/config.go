// Package config binds command line flags, environment variables and an
// optional config file into a single viper instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "K8S_APIWATCHER"
	configName = "config"
	configDir  = ".k8s-apiwatcher"
)

// Keys
const (
	Kubeconfig     = "kubeconfig"
	Namespace      = "namespace"
	AllNamespaces  = "all_namespaces"
	WatchAll       = "watch_all"
	Kind           = "kind"
	APIVersion     = "api_version"
	LabelSelector  = "label_selector"
	FieldSelector  = "field_selector"
	Bookmarks      = "bookmarks"
	WatchTimeout   = "watch_timeout"
	BackoffInitial = "backoff.initial"
	BackoffMax     = "backoff.max"
	MetricsAddress = "metrics.address"
	DBPath         = "db.path"
	LogLevel       = "log.level"
	LogFile        = "log.file"
)

// Option describes one setting. Flag is empty for file/env only settings.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// Options lists every setting understood by the commands.
var Options = []Option{
	{Kubeconfig, "kubeconfig", "", "Path to kubeconfig file (in-cluster config or default rules when empty)"},
	{Namespace, "namespace", "default", "Namespace to watch"},
	{AllNamespaces, "all-namespaces", false, "Watch all namespaces"},
	{WatchAll, "all", false, "Watch all resource types discovered in the cluster"},
	{Kind, "kind", "", "Specific resource kind to watch (e.g., Pod, Deployment)"},
	{APIVersion, "api-version", "", "API version for the kind (e.g., v1, apps/v1)"},
	{LabelSelector, "selector", "", "Label selector to filter watched objects"},
	{FieldSelector, "field-selector", "", "Field selector to filter watched objects"},
	{Bookmarks, "bookmarks", true, "Ask the server for bookmark events"},
	{WatchTimeout, "watch-timeout", time.Hour, "Server side timeout of one watch cycle"},
	{BackoffInitial, "backoff-initial", time.Second, "Initial delay before retrying a failed watch"},
	{BackoffMax, "backoff-max", 30 * time.Second, "Maximum delay between watch retries"},
	{MetricsAddress, "metrics-address", "", "Address to serve Prometheus metrics on (disabled when empty)"},
	{DBPath, "db", "k8s-resources.db", "Path to the resource database"},
	{LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)"},
	{LogFile, "log-file", "", "Write logs to this file instead of stderr"},
}

// New returns a viper instance with defaults, environment binding and the
// optional config file loaded.
func New() (*viper.Viper, error) {
	v := viper.New()
	for _, opt := range Options {
		v.SetDefault(opt.Key, opt.Default)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, configDir))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		log.Debugf("Using config file %s", v.ConfigFileUsed())
	}
	return v, nil
}

// LoadFile reads an explicit config file on top of the defaults.
func LoadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// BindFlags registers the flagged options on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, opts []Option) error {
	for _, opt := range opts {
		if opt.Flag == "" {
			continue
		}
		if fs.Lookup(opt.Flag) == nil {
			switch def := opt.Default.(type) {
			case string:
				fs.String(opt.Flag, def, opt.Description)
			case bool:
				fs.Bool(opt.Flag, def, opt.Description)
			case int:
				fs.Int(opt.Flag, def, opt.Description)
			case time.Duration:
				fs.Duration(opt.Flag, def, opt.Description)
			default:
				return fmt.Errorf("unsupported default type %T for option %s", opt.Default, opt.Key)
			}
		}
		if err := v.BindPFlag(opt.Key, fs.Lookup(opt.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", opt.Flag, err)
		}
	}
	return nil
}

// Select returns the options with the given keys, in order.
func Select(keys ...string) []Option {
	byKey := make(map[string]Option, len(Options))
	for _, opt := range Options {
		byKey[opt.Key] = opt
	}
	selected := make([]Option, 0, len(keys))
	for _, key := range keys {
		if opt, ok := byKey[key]; ok {
			selected = append(selected, opt)
		}
	}
	return selected
}
