package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nonegit2301/mini-apartment/app/client/listingapi"
	"github.com/nonegit2301/mini-apartment/app/client/llm"
	"github.com/nonegit2301/mini-apartment/app/config"
	"github.com/nonegit2301/mini-apartment/app/service/api"
	"github.com/nonegit2301/mini-apartment/app/service/assistant"
	"github.com/nonegit2301/mini-apartment/app/service/engine"
	"github.com/nonegit2301/mini-apartment/app/service/events"
	"github.com/nonegit2301/mini-apartment/app/service/profile"
	"github.com/nonegit2301/mini-apartment/app/service/saved"
	"github.com/nonegit2301/mini-apartment/app/service/search"
	"github.com/nonegit2301/mini-apartment/app/service/session"
	"github.com/nonegit2301/mini-apartment/app/service/tools"
	"github.com/nonegit2301/mini-apartment/app/util/metrics"
	"github.com/nonegit2301/mini-apartment/app/util/mylog"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/do"
	"github.com/spf13/cobra"
)

type runFunc func(ctx context.Context, di *do.Injector) error

func main() {
	mylog.Preinit()

	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("mini-apartment: %v", err)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	withApp := func(fn runFunc) func(cmd *cobra.Command, args []string) error {
		return func(_ *cobra.Command, _ []string) error {
			return run(configPath, fn)
		}
	}

	root := &cobra.Command{
		Use:           "mini-apartment",
		Short:         "Browse and save mini apartment listings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          withApp(runRepl),
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "repl",
			Short: "Interactive console session",
			RunE:  withApp(runRepl),
		},
		&cobra.Command{
			Use:   "serve",
			Short: "Local JSON API for a presentation layer",
			RunE:  withApp(runServe),
		},
		&cobra.Command{
			Use:   "mcp",
			Short: "MCP server on stdio exposing listing tools",
			RunE:  withApp(runMCP),
		},
	)

	return root
}

func run(configPath string, fn runFunc) error {
	di := do.New()
	defer di.Shutdown()
	defer slog.Info("Waiting for services to finish...")

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	do.ProvideValue(di, appCtx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	do.ProvideValue(di, cfg)

	if err = mylog.Init(cfg); err != nil {
		return fmt.Errorf("logging init failed: %w", err)
	}

	do.Provide(di, metrics.New)
	do.Provide(di, session.New)
	do.Provide(di, events.New)
	do.Provide(di, listingapi.NewClient)
	do.Provide(di, llm.NewClient)
	do.Provide(di, search.New)
	do.Provide(di, saved.New)
	do.Provide(di, assistant.New)
	do.Provide(di, profile.New)
	do.Provide(di, engine.New)
	do.Provide(di, api.New)
	do.Provide(di, tools.New)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		slog.Info("Shutting down...")

		cancel()
	}()

	if err = do.MustInvoke[*profile.Service](di).Load(appCtx); err != nil {
		slog.Warn("Could not load profile", "error", err)
	}

	slog.Info("Service started")

	return fn(appCtx, di)
}

func runRepl(ctx context.Context, di *do.Injector) error {
	do.MustInvoke[*search.Service](di).Refresh()

	return do.MustInvoke[*engine.Service](di).Run(ctx)
}

func runServe(ctx context.Context, di *do.Injector) error {
	do.MustInvoke[*search.Service](di).Refresh()

	return do.MustInvoke[*api.Service](di).Run(ctx)
}

func runMCP(_ context.Context, di *do.Injector) error {
	return do.MustInvoke[*tools.Service](di).Serve()
}
