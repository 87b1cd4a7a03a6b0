package machine

// Snapshot helpers for live migration. Save* methods capture state
// into migration types, Restore* methods apply them back. The caller
// sequences them: memory first, then devices, then vCPUs.

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"unsafe"

	"github.com/capsa-vm/capsa/kvm"
	"github.com/capsa-vm/capsa/migration"
	"github.com/capsa-vm/capsa/virtio"
)

// structBytes returns a byte slice aliasing the memory of v. v must
// point to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// msrIndexList retrieves the MSR indices this KVM supports. The first
// call fails with E2BIG and fills in the count; the second fetches.
func (m *Machine) msrIndexList() ([]uint32, error) {
	list := &kvm.MSRList{}

	err := kvm.GetMSRIndexList(m.kvmFd, list)
	if err != nil && !errors.Is(err, syscall.E2BIG) {
		return nil, fmt.Errorf("msr index probe: %w", err)
	}

	if err := kvm.GetMSRIndexList(m.kvmFd, list); err != nil {
		return nil, fmt.Errorf("msr index fetch: %w", err)
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}

// SaveCPUState captures the full architectural state of one vCPU. The
// vCPU must be stopped.
func (m *Machine) SaveCPUState(cpu int) (*migration.VCPUState, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	state := &migration.VCPUState{}

	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return nil, fmt.Errorf("get regs cpu%d: %w", cpu, err)
	}

	state.Regs = cloneBytes(structBytes(regs))

	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return nil, fmt.Errorf("get sregs cpu%d: %w", cpu, err)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	indices, err := m.msrIndexList()
	if err != nil {
		return nil, err
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(indices))}
	for i, idx := range indices {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(fd, msrs); err != nil {
		return nil, fmt.Errorf("get msrs cpu%d: %w", cpu, err)
	}

	state.MSRs = make([]migration.MSREntry, msrs.NMSRs)
	for i := range state.MSRs {
		state.MSRs[i] = migration.MSREntry{
			Index: msrs.Entries[i].Index,
			Data:  msrs.Entries[i].Data,
		}
	}

	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(fd, lapic); err != nil {
		return nil, fmt.Errorf("get lapic cpu%d: %w", cpu, err)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(fd, events); err != nil {
		return nil, fmt.Errorf("get vcpu events cpu%d: %w", cpu, err)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvm.MPState{}
	if err := kvm.GetMPState(fd, mps); err != nil {
		return nil, fmt.Errorf("get mpstate cpu%d: %w", cpu, err)
	}

	state.MPState = mps.State

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(fd, dregs); err != nil {
		return nil, fmt.Errorf("get debug regs cpu%d: %w", cpu, err)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(fd, xcrs); err != nil {
		return nil, fmt.Errorf("get xcrs cpu%d: %w", cpu, err)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	return state, nil
}

// RestoreCPUState applies a previously saved vCPU state.
func (m *Machine) RestoreCPUState(cpu int, state *migration.VCPUState) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode regs cpu%d: %w", cpu, err)
	}

	if err := kvm.SetRegs(fd, &regs); err != nil {
		return fmt.Errorf("set regs cpu%d: %w", cpu, err)
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode sregs cpu%d: %w", cpu, err)
	}

	if err := kvm.SetSregs(fd, &sregs); err != nil {
		return fmt.Errorf("set sregs cpu%d: %w", cpu, err)
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(state.MSRs))}
	for i, e := range state.MSRs {
		msrs.Entries[i].Index = e.Index
		msrs.Entries[i].Data = e.Data
	}

	if err := kvm.SetMSRs(fd, msrs); err != nil {
		return fmt.Errorf("set msrs cpu%d: %w", cpu, err)
	}

	var lapic kvm.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("decode lapic cpu%d: %w", cpu, err)
	}

	if err := kvm.SetLocalAPIC(fd, &lapic); err != nil {
		return fmt.Errorf("set lapic cpu%d: %w", cpu, err)
	}

	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("decode vcpu events cpu%d: %w", cpu, err)
	}

	if err := kvm.SetVCPUEvents(fd, &events); err != nil {
		return fmt.Errorf("set vcpu events cpu%d: %w", cpu, err)
	}

	mps := kvm.MPState{State: state.MPState}
	if err := kvm.SetMPState(fd, &mps); err != nil {
		return fmt.Errorf("set mpstate cpu%d: %w", cpu, err)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("decode debug regs cpu%d: %w", cpu, err)
	}

	if err := kvm.SetDebugRegs(fd, &dregs); err != nil {
		return fmt.Errorf("set debug regs cpu%d: %w", cpu, err)
	}

	var xcrs kvm.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return fmt.Errorf("decode xcrs cpu%d: %w", cpu, err)
	}

	if err := kvm.SetXCRS(fd, &xcrs); err != nil {
		return fmt.Errorf("set xcrs cpu%d: %w", cpu, err)
	}

	return nil
}

// SaveVMState captures VM-level hardware state shared by all vCPUs.
func (m *Machine) SaveVMState() (*migration.VMState, error) {
	state := &migration.VMState{}

	// kvmclock must travel so guest time stays monotonic.
	cd := &kvm.ClockData{}
	if err := kvm.GetClock(m.vmFd, cd); err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(cd))

	// Chip 0 and 1 are the PIC pair, 2 is the IOAPIC.
	for chipID, dest := range []*[]byte{&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC} {
		chip := &kvm.IRQChip{ChipID: uint32(chipID)}
		if err := kvm.GetIRQChip(m.vmFd, chip); err != nil {
			return nil, fmt.Errorf("get irqchip %d: %w", chipID, err)
		}

		*dest = cloneBytes(structBytes(chip))
	}

	pit := &kvm.PITState2{}
	if err := kvm.GetPIT2(m.vmFd, pit); err != nil {
		return nil, fmt.Errorf("get pit2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies previously saved VM-level hardware state.
func (m *Machine) RestoreVMState(state *migration.VMState) error {
	var cd kvm.ClockData
	if err := copyStruct(&cd, state.Clock); err != nil {
		return fmt.Errorf("decode clock: %w", err)
	}

	if err := kvm.SetClock(m.vmFd, &cd); err != nil {
		return fmt.Errorf("set clock: %w", err)
	}

	for _, src := range [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC} {
		var chip kvm.IRQChip
		if err := copyStruct(&chip, src); err != nil {
			return fmt.Errorf("decode irqchip: %w", err)
		}

		if err := kvm.SetIRQChip(m.vmFd, &chip); err != nil {
			return fmt.Errorf("set irqchip %d: %w", chip.ChipID, err)
		}
	}

	var pit kvm.PITState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return fmt.Errorf("decode pit2: %w", err)
	}

	if err := kvm.SetPIT2(m.vmFd, &pit); err != nil {
		return fmt.Errorf("set pit2: %w", err)
	}

	return nil
}

// SaveDeviceState captures serial registers and every virtio
// transport's register and ring-index state, in attach order.
func (m *Machine) SaveDeviceState() (*migration.DeviceState, error) {
	ds := &migration.DeviceState{}

	if m.serial != nil {
		ds.Serial = migration.SerialState{IER: m.serial.IER, LCR: m.serial.LCR}
	}

	ds.Transports = make([]virtio.TransportState, len(m.transports))
	for i, t := range m.transports {
		ds.Transports[i] = t.SaveState()
	}

	return ds, nil
}

// RestoreDeviceState applies previously captured device state. Guest
// memory must already be restored so the ring addresses are live, and
// the destination machine must have been built from the same device
// configuration so attach order matches.
func (m *Machine) RestoreDeviceState(ds *migration.DeviceState) error {
	if m.serial != nil {
		m.serial.IER = ds.Serial.IER
		m.serial.LCR = ds.Serial.LCR
	}

	if len(ds.Transports) != len(m.transports) {
		return fmt.Errorf("transport count mismatch: snapshot has %d, machine has %d",
			len(ds.Transports), len(m.transports))
	}

	for i, ts := range ds.Transports {
		m.transports[i].RestoreState(ts)
	}

	return nil
}

// SaveMemory streams the full guest physical memory to w.
func (m *Machine) SaveMemory(w io.Writer) error {
	_, err := w.Write(m.mem)

	return err
}

// RestoreMemory fills guest physical memory from r. The machine must
// have been created with the same memory size as the source.
func (m *Machine) RestoreMemory(r io.Reader) error {
	_, err := io.ReadFull(r, m.mem)

	return err
}

// EnableDirtyTracking re-registers the guest memory slot with dirty
// logging on. Call before the pre-copy loop starts.
func (m *Machine) EnableDirtyTracking() error {
	region := &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(len(m.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	}
	region.SetMemLogDirtyPages()

	return kvm.SetUserMemoryRegion(m.vmFd, region)
}

// GetAndClearDirtyBitmap fetches the dirty-page bitmap for slot 0, one
// bit per page. The kernel clears its copy on each call.
func (m *Machine) GetAndClearDirtyBitmap() ([]uint64, error) {
	numPages := (len(m.mem) + pageSize - 1) / pageSize
	bitmap := make([]uint64, (numPages+63)/64)

	dl := &kvm.DirtyLog{
		Slot:   0,
		BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
	}

	if err := kvm.GetDirtyLog(m.vmFd, dl); err != nil {
		return nil, fmt.Errorf("get dirty log: %w", err)
	}

	return bitmap, nil
}

// TransferDirtyPages writes the pages marked in bitmap to w in
// ascending page order and returns how many were sent.
func (m *Machine) TransferDirtyPages(w io.Writer, bitmap []uint64) (int, error) {
	count := 0

	for wordIdx, word := range bitmap {
		if word == 0 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			pageIdx := wordIdx*64 + bit
			offset := pageIdx * pageSize

			if offset+pageSize > len(m.mem) {
				break
			}

			if _, err := w.Write(m.mem[offset : offset+pageSize]); err != nil {
				return count, fmt.Errorf("write page %d: %w", pageIdx, err)
			}

			count++
		}
	}

	return count, nil
}

// ApplyDirtyPages writes packed page data into guest memory at the
// offsets marked in bitmapBytes, the receive side of
// TransferDirtyPages.
func (m *Machine) ApplyDirtyPages(bitmapBytes, pageData []byte) error {
	next := 0

	for byteIdx, b := range bitmapBytes {
		if b == 0 {
			continue
		}

		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}

			pageIdx := byteIdx*8 + bit
			offset := pageIdx * pageSize

			if offset+pageSize > len(m.mem) {
				return fmt.Errorf("dirty page %d outside guest memory", pageIdx)
			}

			if next+pageSize > len(pageData) {
				return fmt.Errorf("dirty page data exhausted at page %d", pageIdx)
			}

			copy(m.mem[offset:offset+pageSize], pageData[next:next+pageSize])
			next += pageSize
		}
	}

	return nil
}
