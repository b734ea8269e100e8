package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sanonone/flockstore/internal/server"
	"github.com/sanonone/flockstore/pkg/engine"
)

var (
	configPath string
	flagConfig = server.DefaultConfig()
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flockstore server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	f.StringVar(&flagConfig.HTTPAddr, "http-addr", flagConfig.HTTPAddr, "HTTP listen address")
	f.StringVar(&flagConfig.DataDir, "data-dir", flagConfig.DataDir, "Directory for the AOF and snapshot")
	f.StringVar(&flagConfig.LogLevel, "log-level", flagConfig.LogLevel, "debug, info, warn or error")
	f.StringVar(&flagConfig.LogFormat, "log-format", flagConfig.LogFormat, "text or json")
	f.StringVar(&flagConfig.WriteMode, "write-mode", flagConfig.WriteMode, "sync (read-after-write) or async")
	f.StringSliceVar(&flagConfig.Graphs, "graphs", nil, "Allowed graph names (empty allows any)")
	f.BoolVar(&flagConfig.MCP.Enabled, "mcp", false, "Serve MCP tools on /mcp")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags given explicitly win over the file.
	f := cmd.Flags()
	if f.Changed("http-addr") {
		cfg.HTTPAddr = flagConfig.HTTPAddr
	}
	if f.Changed("data-dir") {
		cfg.DataDir = flagConfig.DataDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = flagConfig.LogLevel
	}
	if f.Changed("log-format") {
		cfg.LogFormat = flagConfig.LogFormat
	}
	if f.Changed("write-mode") {
		cfg.WriteMode = flagConfig.WriteMode
	}
	if f.Changed("graphs") {
		cfg.Graphs = flagConfig.Graphs
	}
	if f.Changed("mcp") {
		cfg.MCP.Enabled = flagConfig.MCP.Enabled
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	setupLogger(cfg.LogLevel, cfg.LogFormat)

	// 1. Engine (loads snapshot, replays AOF)
	eng, err := engine.Open(cfg.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("engine close failed", "error", err)
		}
		slog.Info("engine closed")
	}()

	// 2. HTTP
	srv, err := server.NewServer(eng, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownChan:
		slog.Info("shutdown signal received", "signal", sig.String())
		srv.Shutdown()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func setupLogger(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
