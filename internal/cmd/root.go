// Package cmd wires the watcher packages into cobra commands.
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/config"
	applog "github.com/worldsayshi/go-k8s-apiwatcher/pkg/log"
)

var globalOptions = config.Select(config.Kubeconfig, config.LogLevel, config.LogFile, config.MetricsAddress)

// NewRootCommand returns the k8s-apiwatcher command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	v, err := config.New()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:           "k8s-apiwatcher",
		Short:         "Watch Kubernetes resources and keep their resource versions in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if err := addGlobalFlags(root, v); err != nil {
		return nil, err
	}

	for _, sub := range []*cobra.Command{
		NewWatchCommand(v),
		NewPodsCommand(v),
		NewTUICommand(v),
	} {
		root.AddCommand(sub)
	}
	return root, nil
}

// NewStandaloneCommand turns a single subcommand into a program of its own,
// carrying the global flags.
func NewStandaloneCommand(name string, build func(*viper.Viper) *cobra.Command) (*cobra.Command, error) {
	v, err := config.New()
	if err != nil {
		return nil, err
	}
	cmd := build(v)
	cmd.Use = name
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := addGlobalFlags(cmd, v); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Execute runs cmd until it returns or the process is interrupted, and
// exits non-zero on failure.
func Execute(cmd *cobra.Command, err error) {
	if err != nil {
		log.Fatalf("Failed to set up command: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		log.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

// addGlobalFlags registers the flags shared by every command and sets up
// logging before the command runs.
func addGlobalFlags(cmd *cobra.Command, v *viper.Viper) error {
	var (
		configFile string
		logCloser  io.Closer
	)
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default ./config.yaml or $HOME/.k8s-apiwatcher/config.yaml)")
	if err := config.BindFlags(v, cmd.PersistentFlags(), globalOptions); err != nil {
		return err
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if configFile != "" {
			if err := config.LoadFile(v, configFile); err != nil {
				return err
			}
		}
		closer, err := applog.Configure(v.GetString(config.LogLevel), v.GetString(config.LogFile))
		if err != nil {
			return err
		}
		logCloser = closer
		log.Debugf("Running %s", cmd.CommandPath())
		return nil
	}
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if logCloser == nil {
			return nil
		}
		return logCloser.Close()
	}
	return nil
}

// bindCommandFlags registers opts on cmd and rebinds them when cmd runs, so
// that sibling commands sharing a key do not shadow each other.
func bindCommandFlags(cmd *cobra.Command, v *viper.Viper, opts []config.Option) {
	// registration only fails on unsupported option types, which is a programming error
	cobra.CheckErr(config.BindFlags(v, cmd.Flags(), opts))
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return config.BindFlags(v, cmd.Flags(), opts)
	}
}
