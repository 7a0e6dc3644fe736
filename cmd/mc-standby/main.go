// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-backup/internal/checkpoint"
	"github.com/nishisan-dev/n-backup/internal/config"
	"github.com/nishisan-dev/n-backup/internal/logging"
	"github.com/nishisan-dev/n-backup/internal/vmstub"
)

func main() {
	configPath := flag.String("config", "/etc/mc/standby.yaml", "path to standby config file")
	vmPath := flag.String("vm-image", "", "path to the file-backed VM stand-in's snapshot file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Role != "standby" {
		fmt.Fprintf(os.Stderr, "config role %q is not \"standby\"\n", cfg.Role)
		os.Exit(1)
	}
	if *vmPath == "" {
		fmt.Fprintln(os.Stderr, "-vm-image is required")
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	vm := &vmstub.FileVM{Path: *vmPath}
	standby := checkpoint.NewStandby(cfg.Standby, vm, logger)
	standby.SetEpochLogDir(cfg.EpochLog.Dir)

	monitor := checkpoint.NewDiskMonitor(*vmPath, logger)
	monitor.Start()
	defer monitor.Stop()
	standby.SetDiskFreeFunc(monitor.FreeBytes)

	ln, err := net.Listen("tcp", cfg.Standby.Listen)
	if err != nil {
		logger.Error("listen failed", "error", err)
		os.Exit(1)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger.Info("standby listening", "addr", cfg.Standby.Listen)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := standby.Serve(ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("connection handling ended, accepting next", "error", err)
			continue
		}
	}
}
