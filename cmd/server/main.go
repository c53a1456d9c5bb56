// lanshare server
//
// Shares one folder with every device on the local network:
// - HTTP API for listing, uploading, downloading and deleting files
// - Live updates over websocket and Server-Sent Events
// - Runtime switch of the shared folder
// - WebDAV mount, Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/api"
	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/internal/events"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/session"
	"github.com/fruitsalade/lanshare/internal/share"
	"github.com/fruitsalade/lanshare/internal/upload"
	"github.com/fruitsalade/lanshare/internal/watcher"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "lanshare",
		Short:        "Share a folder with devices on your local network",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	d := config.Defaults()
	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "path to a config file (yaml, json or toml)")
	f.String("host", d.Host, "interface to listen on")
	f.IntP("port", "p", d.Port, "preferred listen port")
	f.Int("port-attempts", d.PortAttempts, "listen attempts before giving up")
	f.StringP("shared-dir", "d", d.SharedDir, "directory to share")
	f.Int64("max-upload-size", d.MaxUploadSize, "per-file upload limit in bytes")
	f.Duration("watch-debounce", d.WatchDebounce, "coalescing window for filesystem events")
	f.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	f.String("log-format", d.LogFormat, "log format: json or console")
	f.Bool("webdav", d.WebDAV, "expose the shared directory over WebDAV at /webdav/")
	f.String("web-dir", d.WebDir, "serve a web UI from this directory at /")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info("lanshare starting...", zap.String("version", version))

	sh, err := share.New(cfg.SharedDir, share.Options{
		Debounce:       cfg.WatchDebounce,
		SuppressWindow: cfg.SuppressWindow,
	})
	if err != nil {
		return fmt.Errorf("open shared directory: %w", err)
	}

	registry := session.NewRegistry()
	bus := events.NewBus(registry, sh.Snapshot, cfg.SessionBuffer)
	go bus.Run(ctx)
	defer bus.Close()

	if err := sh.Start(func(e watcher.Event) {
		if err := bus.Publish(events.Trigger{Kind: e.Kind}); err != nil {
			logging.Debug("watcher event dropped", zap.String("name", e.Name), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer sh.Close()

	srv := api.NewServer(sh, registry, bus, upload.New(cfg.MaxUploadSize, sh), api.Options{
		SessionBuffer: cfg.SessionBuffer,
		WebDAV:        cfg.WebDAV,
		WebDir:        cfg.WebDir,
		Version:       version,
	})

	ln, err := listen(ctx, cfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Live sessions never end on their own; close them so Shutdown can finish.
	httpServer.RegisterOnShutdown(registry.CloseAll)

	port := ln.Addr().(*net.TCPAddr).Port
	fields := []zap.Field{
		zap.String("shared_dir", sh.Current().Root()),
		zap.String("local_url", fmt.Sprintf("http://localhost:%d", port)),
	}
	if ip := lanIPv4(); ip != "" {
		fields = append(fields, zap.String("network_url", fmt.Sprintf("http://%s:%d", ip, port)))
	}
	logging.Info("lanshare listening", fields...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logging.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("shutdown incomplete", zap.Error(err))
	}
	return nil
}
