// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdma

import "golang.org/x/sys/unix"

// mlockBestEffort locks b into physical memory so a one-sided RDMA WRITE
// target (the keepalive cell, or a RAM block's backing buffer passed to
// Transport.AddBlock) is never paged out
// from under the peer. Best-effort: without CAP_IPC_LOCK or on a tight
// RLIMIT_MEMLOCK the call fails and is ignored, matching real deployments
// where mlock is a latency optimization, not a correctness requirement (the
// loopback Verbs backend never actually touches the network).
func mlockBestEffort(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}
