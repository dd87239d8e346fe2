// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/taskweave/taskweave/lib/version"
	"github.com/taskweave/taskweave/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskweave-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listen string
	var showVersion bool

	flagSet := pflag.NewFlagSet("taskweave-relay", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", ":4444", "address to listen on")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println("taskweave-relay", version.Full())
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	relay := signaling.NewRelayServer(logger)
	server := &http.Server{
		Addr:              listen,
		Handler:           relay,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "address", listen, "version", version.Info())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case <-stop:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	relay.Close()
	return nil
}
