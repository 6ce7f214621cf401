package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mateuszsury/pulsar/internal/api"
	"github.com/mateuszsury/pulsar/internal/config"
	"github.com/mateuszsury/pulsar/internal/device"
	"github.com/mateuszsury/pulsar/internal/devicemgr"
	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/lsp"
	"github.com/mateuszsury/pulsar/internal/metrics"
	"github.com/mateuszsury/pulsar/internal/wsgateway"
)

func main() {
	cfg := config.Get()
	slog.Info("pulsar: starting", "addr", cfg.Addr())

	bus := events.NewBus(256)
	bus.Start()

	devices := devicemgr.New(device.Config{
		ReaderPollInterval: cfg.ReaderPollInterval(),
		ReaderChunkBytes:   cfg.Device.ReaderChunkBytes,
		OutputRingSize:     cfg.Device.OutputRingSize,
	}, bus)

	lspManager := lsp.New(lsp.Config{
		RequestTimeout:  cfg.LSPRequestTimeout(),
		ShutdownTimeout: cfg.LSPShutdownTimeout(),
		StubsDir:        cfg.LSP.StubsDir,
	}, bus, nil)

	m := metrics.New()

	ws := wsgateway.New(devices, lspManager)
	wsStop := make(chan struct{})
	go ws.Run(wsStop)
	bus.Subscribe("", ws.Publish)
	bus.Subscribe(events.PortRemoved, func(ev events.Event) error {
		devices.RemovePort(ev.Source)
		return nil
	})

	httpServer := api.New(devices, lspManager, m, ws)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	scanCtx, scanCancel := context.WithCancel(ctx)
	go devices.Scanner().Watch(scanCtx, cfg.PortWatchInterval())

	go func() {
		if err := lspManager.Start(ctx); err != nil {
			slog.Warn("pulsar: lsp proxy failed to start", "error", err)
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start(cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		slog.Info("pulsar: shutdown signal received")
	case err := <-serverErr:
		slog.Error("pulsar: http server exited", "error", err)
	}

	shutdownDeadline := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer shutdownCancel()

	scanCancel()
	close(wsStop)
	for _, sess := range devices.Sessions() {
		_ = sess.Disconnect()
	}
	_ = lspManager.Shutdown()
	bus.Stop()

	select {
	case <-shutdownCtx.Done():
	default:
	}

	slog.Info("pulsar: shutdown complete")
}
