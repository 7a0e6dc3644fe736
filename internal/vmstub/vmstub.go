// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package vmstub defines the narrow seams the checkpoint pipeline uses to
// talk to the VM it is replicating: snapshotting/restoring device state and,
// optionally, handing off bulk page transfer to a faster path (RDMA)
// instead of writing pages through the ordinary byte stream. Per §1, the
// VM/hypervisor integration itself is out of scope — these interfaces are
// the seam a real QEMU/KVM integration would implement, with test doubles
// standing in for it in this repository.
package vmstub

import (
	"fmt"
	"io"
	"os"
)

// ByteSink is where a primary writes one epoch's device-state snapshot.
// It mirrors QEMUFileOps' write callback (§9 "Dynamic dispatch").
type ByteSink interface {
	io.Writer
}

// ByteSource is where a standby reads one epoch's device-state snapshot
// from before loading it back into the VM.
type ByteSource interface {
	io.Reader
}

// VM is the minimal lifecycle control the pipeline needs over the replicated
// virtual machine: stop it to take a consistent snapshot, resume it once the
// snapshot is safely captured, and load a received snapshot back in on the
// standby side.
type VM interface {
	// Stop halts vCPU execution so device state can be read consistently.
	Stop() error
	// Resume restarts vCPU execution after a snapshot has been captured (or,
	// on the standby, after a received snapshot has been loaded).
	Resume() error
	// Snapshot writes the current device state to sink.
	Snapshot(sink ByteSink) error
	// Load restores device state read from source.
	Load(source ByteSource) error
}

// PageMover is an optional capability a VM implementation may additionally
// satisfy, describing the guest RAM regions the RDMA transport can move as
// bulk page ranges instead of through the ordinary Snapshot/Load byte
// stream. It is a separate interface rather than a vtable entry (§9
// "Dynamic dispatch (QEMUFileOps)"). The checkpoint pipeline does not
// type-assert for it: all VM state goes through Snapshot/Load.
type PageMover interface {
	// RAMBlocks returns the set of guest RAM regions eligible for RDMA
	// transport, keyed by a stable name the destination can match against
	// its own RAMBlockMap entry of the same name.
	RAMBlocks() []RAMBlockDescriptor
}

// RAMBlockDescriptor names one contiguous guest RAM region and its local
// virtual address range, the minimum a PageMover needs to hand a region to
// the RDMA transport for registration.
type RAMBlockDescriptor struct {
	Name   string
	Base   uintptr
	Length uint64
}

// FileVM is a file-backed stand-in for VM, used by the mc-primary/mc-standby
// binaries until a real QEMU/KVM integration is wired in. Stop/Resume are
// no-ops; Snapshot/Load copy a local file's contents, which is enough to
// exercise the checkpoint pipeline end to end without a hypervisor.
type FileVM struct {
	Path string
}

func (v *FileVM) Stop() error   { return nil }
func (v *FileVM) Resume() error { return nil }

func (v *FileVM) Snapshot(sink ByteSink) error {
	f, err := os.Open(v.Path)
	if err != nil {
		return fmt.Errorf("vmstub: opening snapshot source %q: %w", v.Path, err)
	}
	defer f.Close()
	_, err = io.Copy(sink, f)
	return err
}

func (v *FileVM) Load(source ByteSource) error {
	f, err := os.OpenFile(v.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("vmstub: opening snapshot destination %q: %w", v.Path, err)
	}
	defer f.Close()
	_, err = io.Copy(f, source)
	return err
}
