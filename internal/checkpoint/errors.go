// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package checkpoint

import "errors"

// Sentinel errors surfaced by the primary and standby pipelines (§7).
var (
	ErrAborted     = errors.New("checkpoint: epoch aborted")
	ErrNacked      = errors.New("checkpoint: standby nacked the epoch")
	ErrStandbyFull = errors.New("checkpoint: standby rejected epoch, insufficient free disk")
	ErrDesync      = errors.New("checkpoint: unexpected token, stream desynchronized")
	ErrFatal       = errors.New("checkpoint: pipeline is in a fatal state and cannot continue")
)
