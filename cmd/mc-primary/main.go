// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-backup/internal/checkpoint"
	"github.com/nishisan-dev/n-backup/internal/config"
	"github.com/nishisan-dev/n-backup/internal/logging"
	"github.com/nishisan-dev/n-backup/internal/packetbuffer"
	"github.com/nishisan-dev/n-backup/internal/vmstub"
)

func main() {
	configPath := flag.String("config", "/etc/mc/primary.yaml", "path to primary config file")
	vmPath := flag.String("vm-image", "", "path to the file-backed VM stand-in's snapshot file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Role != "primary" {
		fmt.Fprintf(os.Stderr, "config role %q is not \"primary\"\n", cfg.Role)
		os.Exit(1)
	}
	if *vmPath == "" {
		fmt.Fprintln(os.Stderr, "-vm-image is required")
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	pb := packetbuffer.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := pb.Enable(ctx, cfg.PacketBuffer.Interface); err != nil {
		logger.Error("enabling packet buffer", "error", err)
		os.Exit(1)
	}
	if cfg.PacketBuffer.BytesLimitRaw > 0 {
		if err := pb.SetLimit(ctx, cfg.PacketBuffer.BytesLimitRaw); err != nil {
			logger.Error("setting packet buffer limit", "error", err)
			os.Exit(1)
		}
	}

	vm := &vmstub.FileVM{Path: *vmPath}
	primary := checkpoint.NewPrimary(cfg.Primary, vm, pb, logger)
	primary.SetEpochLogDir(cfg.EpochLog.Dir)

	if cfg.GapCheck.Enabled {
		go runGapCheck(ctx, cfg, logger)
	}

	if err := primary.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("primary pipeline exited", "error", err)
		os.Exit(1)
	}
}

// runGapCheck polls the standby's control channel on its own connection,
// independent of the epoch loop, so a stalled network path is visible
// between epochs instead of only surfacing as a failed read or write on the
// epoch loop's own connection (§6.1, the supplemented stream health probe).
func runGapCheck(ctx context.Context, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.GapCheck.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", cfg.Primary.StandbyAddress, cfg.GapCheck.Timeout)
			if err != nil {
				logger.Warn("gap check: dial failed", "error", err)
				continue
			}
			probe := checkpoint.NewProbe(conn, cfg.GapCheck.Timeout)
			resp, err := probe.Check()
			conn.Close()
			if err != nil {
				logger.Warn("gap check: probe failed", "error", err)
				continue
			}
			logger.Debug("gap check ok", "rtt", resp.RTT, "disk_free_mb", resp.DiskFreeMB, "plug_backlog", resp.PlugBacklog)
		}
	}
}
