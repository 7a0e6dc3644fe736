// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import "errors"

// Sentinel errors surfaced by the transport (§7). ErrNetUnreach is the
// keepalive-declared liveness failure; the rest are protocol/resource
// failures that are always fatal to the session.
var (
	ErrNetUnreach     = errors.New("rdma: peer unreachable, keepalive exceeded")
	ErrProtocol       = errors.New("rdma: protocol violation")
	ErrRegistration   = errors.New("rdma: memory registration failed")
	ErrChunkInTransit = errors.New("rdma: chunk has an outstanding write, cannot unregister")
	ErrClosed         = errors.New("rdma: transport closed")
)
