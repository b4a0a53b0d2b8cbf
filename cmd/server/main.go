package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/gochat-relay/internal/backplane"
	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires configuration, the bus adapter and the chat server, then blocks
// until SIGINT/SIGTERM, a serve error, or an unrecoverable bus failure.
// Signals end in a clean exit; the other two return an error so the process
// exits non-zero after the shutdown sequence has run.
func run() error {
	_ = godotenv.Load()

	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	dialer, err := backplane.NewDialer(cfg.BusURL, cfg.InstanceID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := bus.NewAdapter(dialer, cfg.ReconnectPolicy(), log.With("instance", cfg.InstanceID))
	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	err = adapter.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("bus connection failed: %w", err)
	}

	chat := server.NewChatServer(cfg, adapter, log)
	if err := startChat(ctx, chat, adapter, log); err != nil {
		return err
	}

	listener, err := chat.Listen()
	if err != nil {
		shutdown(chat, cfg)
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		if err := chat.Serve(listener); err != nil {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Termination signal received, shutting down gracefully...")
	case runErr = <-errChan:
		log.Error("HTTP server stopped unexpectedly", "error", runErr)
	case runErr = <-adapter.Errors():
		log.Error("Bus unavailable, shutting down", "error", runErr)
	}

	shutdown(chat, cfg)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("Program stopped cleanly")
	return nil
}

type starter interface {
	Start(ctx context.Context) error
}

type disconnecter interface {
	Disconnect() error
}

// startChat starts chat. If that fails the bus links are released before the
// error is returned; a failed release is logged.
func startChat(ctx context.Context, chat starter, b disconnecter, log *slog.Logger) error {
	if err := chat.Start(ctx); err != nil {
		if derr := b.Disconnect(); derr != nil {
			log.Error("Error disconnecting bus", "error", derr)
		}
		return err
	}
	return nil
}

func shutdown(chat *server.ChatServer, cfg *server.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Errors are logged step by step inside Shutdown; it always runs to the end.
	_ = chat.Shutdown(ctx)
}
