// Package migration carries VM snapshots between hosts: the state
// types captured from a running machine and a framed transport that
// streams them over a connection.
package migration

import "github.com/capsa-vm/capsa/virtio"

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of one vCPU.
// Kernel structs are kept as raw byte images so their exact layout,
// padding included, survives the trip.
type VCPUState struct {
	Regs      []byte
	Sregs     []byte
	MSRs      []MSREntry
	LAPIC     []byte
	Events    []byte
	MPState   uint32
	DebugRegs []byte
	XCRS      []byte
}

// VMState holds VM-level hardware state shared by all vCPUs.
type VMState struct {
	Clock         []byte
	IRQChipPIC0   []byte
	IRQChipPIC1   []byte
	IRQChipIOAPIC []byte
	PIT2          []byte
}

// SerialState is the guest-visible COM1 register state.
type SerialState struct {
	IER byte
	LCR byte
}

// DeviceState aggregates emulated device state. Ring contents live in
// guest memory and travel with it; Transports carries only the
// register and index state each virtio window needs to resume, in
// attach order.
type DeviceState struct {
	Serial     SerialState
	Transports []virtio.TransportState
}

// Snapshot is the complete VM state handed off during migration.
// Guest memory and disk contents are streamed separately.
type Snapshot struct {
	VCPUs   int
	MemSize int
	CPUs    []VCPUState
	VM      VMState
	Devices DeviceState
}
