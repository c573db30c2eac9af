package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"agiraph/internal/config"
	"agiraph/internal/kernel"
	"agiraph/internal/server"
	"agiraph/internal/shared/logging"
)

var (
	version = "0.1.0"

	flagAddr  string
	flagHome  string
	flagDebug bool
)

func main() {
	root := &cobra.Command{
		Use:   "agiraph",
		Short: "Long-lived multi-agent orchestration runtime",
		Long:  "agiraph runs persistent agents that plan work on a shared board,\ndelegate to workers, and survive process restarts.",
		SilenceUsage: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WS server and restore persisted agents",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagAddr, "addr", "", "listen address (overrides AGIRAPH_HTTP_ADDR)")
	serve.Flags().StringVar(&flagHome, "home", "", "agents home directory (overrides AGIRAPH_HOME)")
	serve.Flags().BoolVar(&flagDebug, "debug", false, "log at debug level")

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agiraph %s\n", version)
		},
	}

	root.AddCommand(serve, ver)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func banner(addr, home string) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)
	title.Println("agiraph")
	dim.Printf("  version %s\n", version)
	dim.Printf("  home    %s\n", home)
	dim.Printf("  listen  %s\n\n", addr)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.HTTPAddr = flagAddr
	}
	if flagHome != "" {
		cfg.Home = flagHome
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("create home %s: %w", cfg.Home, err)
	}

	if flagDebug {
		logging.SetLevel(logging.LevelDebug)
	}
	if f, err := logging.OpenLogFile(); err == nil {
		defer func() { _ = f.Close() }()
		logging.SetWriter(f)
	}
	logger := logging.NewComponentLogger("agiraph")

	banner(cfg.HTTPAddr, cfg.Home)

	registry := kernel.NewRegistry(cfg, logger)
	registry.Restore()
	defer registry.Close()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("shutting down")
		registry.Close()
		os.Exit(0)
	}()

	srv := server.New(registry, logger)
	return srv.Run(cfg.HTTPAddr)
}
