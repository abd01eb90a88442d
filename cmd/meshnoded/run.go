package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rfmesh/meshnode/storage"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the mesh node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runNode()
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		store, err := storage.NewFileStore(dataDir)
		if err != nil {
			return err
		}
		kp, err := storage.EnsureIdentity(store)
		if err != nil {
			return fmt.Errorf("failed to load identity: %w", err)
		}
		fmt.Printf("data dir:   %s\n", dataDir)
		fmt.Printf("public key: %x\n", kp.PublicKey)
		return nil
	},
}

func runNode() error {
	log := newLogger(viper.GetString("log.level"))
	slog.SetDefault(log)

	n, err := newNode(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return n.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
