package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dayboard/internal/config"
	appLog "dayboard/internal/log"
)

var version = "0.1.0-dev"

const defaultConfigPath = "/etc/dayboard/config.yaml"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "dayboard",
		Short:         "14-day agenda of Google Calendar events and Tasks",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to config file")

	load := func() (*config.Config, error) {
		conf, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
		return conf, nil
	}

	rootCmd.AddCommand(
		serveCmd(load),
		syncCmd(load),
		loginCmd(load),
		logoutCmd(load),
		tokenServerCmd(load),
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
