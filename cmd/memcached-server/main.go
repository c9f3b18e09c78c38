// Command memcached-server runs the flat-storage cache engine behind the
// ASCII and binary protocol front ends described in spec.md.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skipor/memcached/cache"
	"github.com/skipor/memcached/internal/config"
	"github.com/skipor/memcached/internal/metrics"
	"github.com/skipor/memcached/log"
	"github.com/skipor/memcached/recycle"
	"github.com/skipor/memcached/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configFile string
	var logFile string
	var logLevel string

	cmd := &cobra.Command{
		Use:          "memcached-server",
		Short:        "In-memory key/value cache server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(&cfg, configFile); err != nil {
					return fmt.Errorf("loading config file: %w", err)
				}
			}
			cfg.EnvOverrides()
			return run(cfg, logFile, logLevel)
		},
	}

	config.BindFlags(&cfg, cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", "", "TOML config file overlaid before flags")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log file path, empty logs to stderr")
	cmd.Flags().StringVar(&logLevel, "log-level", "INFO", "DEBUG, INFO, WARN, ERROR, or FATAL")
	return cmd
}

func run(cfg config.Config, logFile, logLevel string) error {
	level, err := log.LevelFromString(logLevel)
	if err != nil {
		return err
	}
	l := newLogger(level, logFile).With("instance", uuid.NewString())

	l.Infof("Starting. %s", cfg.String())

	c, err := cache.New(cfg.MaxBytes, cfg.EvictToFree)
	if err != nil {
		return fmt.Errorf("building cache: %w", err)
	}
	go tickLoop(c)

	bufSize := int(cfg.MaxConnBufferBytes / int64(cfg.MaxConns+1))
	if bufSize < 1<<16 {
		bufSize = 1 << 16
	}
	pool := recycle.NewPool(
		recycle.WithBufferSize(bufSize),
		recycle.WithCorruptionDetection(cfg.CorruptionDetection),
	)

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr, c); err != nil {
				l.Errorf("metrics server: %v", err)
			}
		}()
	}

	srv := server.New(l, c, pool, server.Config{
		NumWorkers:     cfg.NumThreads,
		ASCIIAddr:      portAddr(cfg.Interface, cfg.Port),
		ASCIIUDPAddr:   portAddr(cfg.Interface, cfg.UDPPort),
		BinaryAddr:     portAddr(cfg.Interface, cfg.BinaryPort),
		BinaryUDPAddr:  portAddr(cfg.Interface, cfg.BinaryUDPPort),
		UnixSocketPath: cfg.SocketPath,
		MaxItemSize:    1 << 20,
	})
	return srv.Run(context.Background())
}

func portAddr(iface string, port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", iface, port)
}

func newLogger(level log.Level, path string) log.Logger {
	if path == "" {
		return log.NewDevelopment(level)
	}
	return log.NewLogger(level, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	})
}

// tickLoop drives Cache.Tick on the periodic cadence spec.md §4.9's
// current_time timer describes.
func tickLoop(c *cache.Cache) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for range t.C {
		c.Tick()
	}
}
