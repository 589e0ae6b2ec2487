package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/server"
	"github.com/parleyhq/parley/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Parley API server",
		Long:  "Launches the HTTP API for chat sessions, streamed responses, and variant management, with an hourly maintenance sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	client, err := provider.NewClient(provider.Opts{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
	})
	if err != nil {
		return err
	}

	sessions, err := store.NewSessionStore(gormDB)
	if err != nil {
		return err
	}
	variants, err := store.NewVariantStore(gormDB)
	if err != nil {
		return err
	}

	// Hourly sweep keeps orphaned variants from accumulating when clients
	// disconnect between a new user turn and its discard.
	sched := cron.New()
	sched.AddFunc("@hourly", func() {
		pruned, err := store.Sweep(sessions, variants)
		if err != nil {
			log.Printf("serve: sweep: %v", err)
			return
		}
		if pruned > 0 {
			log.Printf("serve: sweep pruned %d stale variants", pruned)
		}
	})
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if port <= 0 {
		port = cfg.Server.Port
	}

	return server.Start(ctx, server.StartOpts{
		DB:          gormDB,
		Completer:   client,
		Port:        port,
		Out:         cmd.OutOrStdout(),
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	})
}
