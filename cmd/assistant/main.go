package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/comigor/unichat-go/internal/agent"
	"github.com/comigor/unichat-go/internal/config"
	"github.com/comigor/unichat-go/internal/history"
	"github.com/comigor/unichat-go/internal/imagestore"
	"github.com/comigor/unichat-go/internal/llm"
	"github.com/comigor/unichat-go/internal/logger"
	"github.com/comigor/unichat-go/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "assistant",
		Short:         "Unified chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		logger.L.Error("command failed", zap.Error(err))
		_ = logger.L.Sync()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func runMigrate(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Open migrates on connect.
	store, err := history.Open(cfg.Database)
	if err != nil {
		return err
	}
	logger.L.Info("database migrated", zap.String("type", cfg.Database.Type))
	return store.Close()
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.L.Sync() }()

	if cfg.LLM.APIKey == "" {
		logger.L.Warn("no API key configured, provider calls will fail")
	}

	store, err := history.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.L.Warn("failed to close store", zap.Error(err))
		}
	}()

	files, err := imagestore.NewOS(cfg.Image.Dir)
	if err != nil {
		return err
	}

	llmClient := llm.NewClient(cfg.LLM)
	chat := agent.New(llmClient, store, files, *cfg)

	srv := server.New(cfg.Server, chat, store, files)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.L.Info("Received shutdown signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Stop(ctx)
}
