package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/amoylab/rendez/internal/broker"
	"github.com/amoylab/rendez/internal/common/config"
	"github.com/amoylab/rendez/internal/registry"
	"github.com/amoylab/rendez/internal/server"
	"github.com/amoylab/rendez/pkg/logger"
	"github.com/amoylab/rendez/pkg/metrics"
	"github.com/amoylab/rendez/pkg/utils"
	"github.com/amoylab/rendez/pkg/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of rendezd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("rendezd version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "rendezd",
		Short: "Editor session registry and socket rendezvous broker",
		Long:  `rendezd tracks live editor sessions and hands raw sockets off to them over a local rendezvous socket`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configured file, or falls back to built-in defaults
// when no file exists at the default location.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfig(configPath)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".rendez", "rendezd.yaml")
		if _, statErr := os.Stat(p); statErr == nil {
			return config.LoadConfig(p)
		}
	}

	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg, nil
}

// defaultSocketPath allocates a per-process rendezvous socket in a
// runtime-private directory so concurrent daemons never collide.
func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "rendez", fmt.Sprintf("broker-%d.sock", os.Getpid()))
}

func run() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Broker.SocketPath == "" {
		cfg.Broker.SocketPath = defaultSocketPath()
	}

	zlog, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	zlog.Info("starting rendezd",
		zap.String("version", version.Get()),
		zap.String("socket", cfg.Broker.SocketPath))

	if cfg.PID != "" {
		pm := utils.NewPIDManager(cfg.PID)
		if err := pm.WritePID(); err != nil {
			zlog.Fatal("failed to write PID file", zap.Error(err))
		}
		defer func() { _ = pm.RemovePID() }()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	prober := &registry.DialProber{Timeout: cfg.Registry.ProbeTimeout}
	reg := registry.New(zlog, prober, m)

	b := broker.New(zlog, m, cfg.Broker)
	if err := b.Start(); err != nil {
		zlog.Fatal("failed to start broker", zap.Error(err))
	}

	srv := server.New(zlog, reg, b, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.RunSweeper(ctx, cfg.Registry.SweepInterval, cfg.Registry.TTL)
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx, cfg.Admin.Addr)
	})

	<-ctx.Done()
	zlog.Info("shutting down")
	if err := b.Close(); err != nil {
		zlog.Warn("broker close failed", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
