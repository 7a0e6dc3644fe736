// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler is a slog.Handler that dispatches each record to two
// handlers. Used by NewSessionLogger to write simultaneously to the global
// handler and to an epoch's dedicated debug log file.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Check Enabled() on each handler individually before dispatching, so a
	// DEBUG record isn't sent to the primary handler when it only accepts
	// INFO or above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Write errors on the epoch file must not block the global log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger creates a logger that writes to both the base (global)
// logger and a file dedicated to one checkpoint epoch. The file is created
// at:
//
//	{logDir}/{role}/{epochID}.log
//
// Returns the enriched logger, an io.Closer for the epoch file, and its
// path (absolute only when logDir is). The Closer MUST be called (defer) when the epoch completes.
//
// If logDir is empty, returns the base logger unmodified (no-op); this is
// the default, since per-epoch files at checkpoint frequency would otherwise
// produce one file every ~100ms.
func NewSessionLogger(baseLogger *slog.Logger, logDir, role, epochID string) (*slog.Logger, io.Closer, string, error) {
	if logDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	dir := filepath.Join(logDir, role)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating epoch log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, epochID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening epoch log file %s: %w", logPath, err)
	}

	// The epoch file always uses JSON at DEBUG for maximum capture.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

// RemoveSessionLog removes the debug log file for an epoch that completed
// without error. No-op if logDir is empty or the file does not exist.
func RemoveSessionLog(logDir, role, epochID string) {
	if logDir == "" {
		return
	}
	logPath := filepath.Join(logDir, role, epochID+".log")
	os.Remove(logPath)
}
