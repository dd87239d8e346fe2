// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/taskweave/taskweave/document"
	"github.com/taskweave/taskweave/ice"
	"github.com/taskweave/taskweave/lib/config"
	"github.com/taskweave/taskweave/lib/version"
	"github.com/taskweave/taskweave/mesh"
	"github.com/taskweave/taskweave/session"
	"github.com/taskweave/taskweave/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskweave: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var peerID string
	var showVersion bool

	flagSet := pflag.NewFlagSet("taskweave", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (or set TASKWEAVE_CONFIG)")
	flagSet.StringVar(&peerID, "peer-id", "", "stable replica id (default: random per run)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Println("taskweave", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if peerID == "" {
		peerID = uuid.NewString()
	}
	store := document.NewMemoryStore(peerID)
	sess, err := session.New(session.Config{
		Room:          cfg.Room,
		Secret:        cfg.Secret,
		Insecure:      cfg.Insecure,
		SignalingURLs: cfg.Signaling,
		TURNEnabled:   cfg.TURN.Enabled,
		TURNEndpoint:  cfg.TURN.Endpoint,
		TURNAPIKey:    cfg.TURN.APIKey,
		Profile: session.DeviceProfile{
			ExclusiveICE:      cfg.Device.ExclusiveICE,
			AggressiveSuspend: cfg.Device.AggressiveSuspend,
		},
		Store:    store,
		LocalID:  peerID,
		Tuning:   sessionTuning(cfg),
		Observer: &logObserver{logger: logger},
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("starting taskweave", "version", version.Info(), "room", cfg.Room)
	if err := sess.Start("startup"); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	sess.Dispose()
	return nil
}

// sessionTuning maps config durations onto the session's knobs; zero
// values keep the built-in defaults.
func sessionTuning(cfg *config.Config) session.Tuning {
	compression, _ := mesh.ParseCompressionTag(cfg.Compression)
	return session.Tuning{
		ResyncAttempts:      cfg.Tuning.ResyncAttempts,
		ResyncInterval:      cfg.Tuning.ResyncInterval.Std(),
		ResyncCooldown:      cfg.Tuning.ResyncCooldown.Std(),
		StalePeerThreshold:  cfg.Tuning.StalePeerThreshold.Std(),
		SignalingStaleAfter: cfg.Tuning.SignalingStaleAfter.Std(),
		WatchdogInterval:    cfg.Tuning.WatchdogInterval.Std(),
		MaxPeers:            cfg.MaxPeers,
		Compression:         compression,
		ICE: ice.Tuning{
			EscalationDelay:   cfg.Tuning.EscalationDelay.Std(),
			GraceWindow:       cfg.Tuning.EscalationGrace.Std(),
			MaxEscalationWait: cfg.Tuning.MaxEscalationWait.Std(),
			RelayCooldown:     cfg.Tuning.RelayCooldown.Std(),
		},
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logObserver surfaces session outputs as structured log records.
type logObserver struct {
	logger *slog.Logger
}

func (o *logObserver) StatusChanged(status session.Status) {
	o.logger.Info("status",
		"connected", status.Connected,
		"peers", status.PeerCount,
		"webrtc", status.WebRTCPeers,
		"bus", status.BusPeers)
}

func (o *logObserver) PeersChanged(peers []mesh.PeerState) {
	o.logger.Debug("peer table", "size", len(peers))
}

func (o *logObserver) RelayChanged(relay signaling.RelayStatus) {
	o.logger.Info("relay",
		"url", relay.URL,
		"connected", relay.Connected,
		"connecting", relay.Connecting)
}

func (o *logObserver) DiagnosticEvent(event session.Diagnostic) {
	o.logger.Log(context.Background(), event.Level, "diagnostic: "+event.Name, "payload", event.Payload)
}
