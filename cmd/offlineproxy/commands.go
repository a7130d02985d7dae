package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offline_cache_proxy/internal/app"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/obs"
)

// Set by the release build.
var (
	version = "dev"
	commit  = "none"
)

const serviceName = "offline-cache-proxy"

var installTimeout time.Duration

var rootCmd = &cobra.Command{
	Use:          "offlineproxy",
	Short:        "Offline-first caching proxy for a browser game",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve <config.json>",
	Short: "Install the worker and serve the origin through it",
	Args:  cobra.ExactArgs(1),
	RunE:  runServe,
}

var installCmd = &cobra.Command{
	Use:   "install <config.json>",
	Short: "Pre-populate the cache store and delete stale caches, then exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstall,
}

var namespacesCmd = &cobra.Command{
	Use:   "namespaces <config.json>",
	Short: "List cache namespaces in the configured store",
	Args:  cobra.ExactArgs(1),
	RunE:  runNamespaces,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Printf("offlineproxy %s (%s) %s\n", version, commit, runtime.Version())
	},
}

func init() {
	installCmd.Flags().DurationVar(&installTimeout, "timeout", time.Minute, "Give up if install and activation take longer")
	rootCmd.AddCommand(serveCmd, installCmd, namespacesCmd, versionCmd)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, warnings, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, warning := range warnings {
		log.Printf("config warning: %s", warning)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.SetupTracing(ctx, serviceName)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	metrics := obs.NewMetrics()
	obs.SetDefaultMetrics(metrics)

	proxyApp, err := app.New(cfg, app.Options{Metrics: metrics})
	if err != nil {
		return err
	}
	if err := proxyApp.Start(ctx); err != nil {
		_ = proxyApp.Shutdown()
		return err
	}

	<-ctx.Done()
	log.Printf("shutting down")
	return proxyApp.Shutdown()
}

func runInstall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	proxyApp, err := app.New(cfg, app.Options{Metrics: obs.NewMetrics()})
	if err != nil {
		return err
	}
	defer proxyApp.Shutdown()

	ctx, cancel := context.WithTimeout(cmd.Context(), installTimeout)
	defer cancel()
	v, err := proxyApp.Install(ctx)
	if err != nil {
		return err
	}
	cmd.Printf("installed %s (version %d)\n", v.CacheName(), v.ID())
	return nil
}

func runNamespaces(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg.Store)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctx := cmd.Context()
	names, err := store.Namespaces(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		ns, err := store.Open(ctx, name)
		if err != nil {
			return err
		}
		keys, err := ns.Keys(ctx)
		if err != nil {
			return err
		}
		marker := ""
		if name == cfg.CacheName {
			marker = " (current)"
		}
		cmd.Printf("%s\t%d entries%s\n", name, len(keys), marker)
	}
	return nil
}
