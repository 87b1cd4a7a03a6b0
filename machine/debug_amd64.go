package machine

// Guest introspection helpers: register access, physical and virtual
// memory reads, and instruction decoding at the current PC. Intended
// for debugging a stopped guest from the host side.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/capsa-vm/capsa/kvm"
)

var (
	// ErrBadRegister indicates a register x86asm names that has no
	// slot in the KVM register file.
	ErrBadRegister = errors.New("bad register")

	// ErrBadVirtualAddress indicates a guest-virtual address with no
	// valid translation.
	ErrBadVirtualAddress = errors.New("virtual address not mapped")

	errPhysOutOfRange = errors.New("physical address outside guest memory")
)

const (
	pteP    = 1 << 0
	ptePS   = 1 << 7
	pteAddr = 0x000f_ffff_ffff_f000

	cr0PG = 1 << 31
)

// GetRegs returns the general-purpose registers of one vCPU.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(fd)
}

// GetSregs returns the control and segment registers of one vCPU.
func (m *Machine) GetSregs(cpu int) (*kvm.Sregs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetSregs(fd)
}

// ReadAt reads guest physical memory at pa.
func (m *Machine) ReadAt(b []byte, pa uintptr) (int, error) {
	if uint64(pa)+uint64(len(b)) > uint64(len(m.mem)) {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(b), pa, errPhysOutOfRange)
	}

	return copy(b, m.mem[pa:]), nil
}

// WriteAt writes guest physical memory at pa.
func (m *Machine) WriteAt(b []byte, pa uintptr) (int, error) {
	if uint64(pa)+uint64(len(b)) > uint64(len(m.mem)) {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(b), pa, errPhysOutOfRange)
	}

	return copy(m.mem[pa:], b), nil
}

func (m *Machine) readPhysWord(pa uint64) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadAt(b[:], uintptr(pa)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// VtoP translates a guest-virtual address to guest-physical by walking
// the four-level page tables the guest programmed. With paging off the
// mapping is identity. Large pages at the PDPT (1 GiB) and PD (2 MiB)
// levels are honored.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (uintptr, error) {
	sregs, err := m.GetSregs(cpu)
	if err != nil {
		return 0, err
	}

	if sregs.CR0&cr0PG == 0 {
		return vaddr, nil
	}

	va := uint64(vaddr)
	table := sregs.CR3 & pteAddr
	shifts := []uint{39, 30, 21, 12}

	for level, shift := range shifts {
		idx := (va >> shift) & 0x1ff

		entry, err := m.readPhysWord(table + idx*8)
		if err != nil {
			return 0, err
		}

		if entry&pteP == 0 {
			return 0, fmt.Errorf("%#x (level %d): %w", vaddr, level, ErrBadVirtualAddress)
		}

		if shift == 12 {
			return uintptr(entry&pteAddr | va&0xfff), nil
		}

		if entry&ptePS != 0 && (shift == 30 || shift == 21) {
			mask := uint64(1)<<shift - 1

			return uintptr(entry&pteAddr&^mask | va&mask), nil
		}

		table = entry & pteAddr
	}

	return 0, fmt.Errorf("%#x: %w", vaddr, ErrBadVirtualAddress)
}

// ReadBytes reads from the vCPU's virtual address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return -1, err
	}

	return m.ReadAt(b, pa)
}

// ReadWord reads one 64-bit word from the vCPU's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// WriteWord writes one 64-bit word into the vCPU's virtual address
// space.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return err
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)
	_, err = m.WriteAt(b[:], pa)

	return err
}

// GetReg returns a pointer to the register file slot x86asm names.
func GetReg(r *kvm.Regs, reg x86asm.Reg) (*uint64, error) {
	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	}

	return nil, fmt.Errorf("%v: %w", reg, ErrBadRegister)
}

// Pointer resolves the memory operand of inst.Args[arg] against the
// register file, Segment:[Base+Scale*Index+Disp] form.
func (m *Machine) Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d of %v is not a memory operand: %w", arg, inst, ErrBadRegister)
	}

	b, err := GetReg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, ErrBadRegister)
	}

	addr := *b + uint64(mem.Disp)

	if x, err := GetReg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return uintptr(addr), nil
}

// Pop pops the stack and returns what was at TOS, most often the
// caller PC.
func (m *Machine) Pop(cpu int, r *kvm.Regs) (uint64, error) {
	tos, err := m.ReadWord(cpu, uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return tos, nil
}

// Args returns the top nargs integer arguments under the Microsoft
// x64 convention the UEFI-style payloads use, reading spill slots off
// the stack past the fourth. The max is 6.
func (m *Machine) Args(cpu int, r *kvm.Regs, nargs int) []uintptr {
	sp := uintptr(r.RSP)

	switch nargs {
	case 6:
		w1, _ := m.ReadWord(cpu, sp+0x28)
		w2, _ := m.ReadWord(cpu, sp+0x30)

		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9), uintptr(w1), uintptr(w2)}
	case 5:
		w1, _ := m.ReadWord(cpu, sp+0x28)

		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9), uintptr(w1)}
	case 4:
		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9)}
	case 3:
		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8)}
	case 2:
		return []uintptr{uintptr(r.RCX), uintptr(r.RDX)}
	case 1:
		return []uintptr{uintptr(r.RCX)}
	}

	return []uintptr{}
}

// Inst decodes the instruction at the vCPU's current RIP and returns
// it with the register file and a GNU-syntax rendering.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("get regs: %w", err)
	}

	pc := uintptr(r.RIP)

	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("read pc %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decode %#02x: %w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm renders one decoded instruction at pc in GNU syntax.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// show formats the registers a call trace cares about.
func show(prefix string, r *kvm.Regs) string {
	return fmt.Sprintf("%sRIP=%#x RSP=%#x RAX=%#x RCX=%#x RDX=%#x R8=%#x R9=%#x",
		prefix, r.RIP, r.RSP, r.RAX, r.RCX, r.RDX, r.R8, r.R9)
}

// CallInfo formats a call site: registers, operands, and the first
// four integer arguments.
func CallInfo(inst *x86asm.Inst, r *kvm.Regs) string {
	l := fmt.Sprintf("%s[", show("", r))
	for _, a := range inst.Args {
		if a == nil {
			break
		}

		l += fmt.Sprintf("%v,", a)
	}

	l += fmt.Sprintf("](%#x, %#x, %#x, %#x)", r.RCX, r.RDX, r.R8, r.R9)

	return l
}
