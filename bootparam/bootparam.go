// Package bootparam builds the x86 zero page handed to a Linux guest.
// Layout follows https://www.kernel.org/doc/html/latest/x86/boot.html
// and arch/x86/include/uapi/asm/bootparam.h.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
)

const (
	// MagicSignature is "HdrS" in the setup header.
	MagicSignature = 0x53726448

	setupHeaderOffset = 0x01F1
	setupHeaderSize   = 0x7B

	// LoadFlags bits.
	LoadedHigh   = uint8(1 << 0)
	KeepSegments = uint8(1 << 6)
	CanUseHeap   = uint8(1 << 7)

	// Low-memory map, same carve-up kvmtool uses for its fake BIOS.
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x000fffff

	E820Ram      = 1
	E820Reserved = 2

	e820MaxEntries = 128
)

var (
	ErrSignatureNotMatch = errors.New("signature not match in bzImage")
	ErrE820Full          = errors.New("e820 table is full")
)

// E820Entry describes one physical memory range for the guest.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// SetupHeader is the real-mode kernel header located at offset 0x01F1
// of a bzImage.
type SetupHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// BootParam is struct boot_params, serialized packed with
// little-endian byte order. Offsets in the comments are those of the
// serialized form.
type BootParam struct {
	ScreenInfo          [0x40]uint8 // 0x000
	APMBIOSInfo         [0x14]uint8 // 0x040
	_                   [4]uint8
	TbootAddr           uint64      // 0x058
	ISTInfo             [0x10]uint8 // 0x060
	ACPIRsdpAddr        uint64      // 0x070
	_                   [8]uint8
	HD0Info             [16]uint8   // 0x080
	HD1Info             [16]uint8   // 0x090
	SysDescTable        [0x10]uint8 // 0x0a0
	OLPCOfwHeader       [0x10]uint8 // 0x0b0
	ExtRamdiskImage     uint32      // 0x0c0
	ExtRamdiskSize      uint32
	ExtCmdlinePtr       uint32
	_                   [0x74]uint8
	EdidInfo            [0x80]uint8 // 0x140
	EfiInfo             [0x20]uint8 // 0x1c0
	AltMemK             uint32      // 0x1e0
	Scratch             uint32      // 0x1e4
	E820Entries         uint8       // 0x1e8
	EddbufEntries       uint8
	EddMBRSigBufEntries uint8
	KbdStatus           uint8
	SecureBoot          uint8
	_                   [2]uint8
	Sentinel            uint8 // 0x1ef
	_                   [1]uint8
	Hdr                 SetupHeader // 0x1f1
	_                   [0x290 - setupHeaderOffset - setupHeaderSize]uint8
	EddMBRSigBuffer     [16]uint32                 // 0x290
	E820Table           [e820MaxEntries]E820Entry  // 0x2d0
	_                   [48]uint8                  // 0xcd0
	Eddbuf              [6][0x52]uint8             // 0xd00
	_                   [276]uint8
}

// New parses the setup header out of a bzImage and returns boot params
// seeded with it.
func New(bzImagePath string) (*BootParam, error) {
	bzImage, err := os.ReadFile(bzImagePath)
	if err != nil {
		return nil, err
	}

	if len(bzImage) < setupHeaderOffset+setupHeaderSize {
		return nil, ErrSignatureNotMatch
	}

	b := &BootParam{}
	reader := bytes.NewReader(bzImage[setupHeaderOffset:])

	if err := binary.Read(reader, binary.LittleEndian, &b.Hdr); err != nil {
		return nil, err
	}

	if b.Hdr.Header != MagicSignature {
		return nil, ErrSignatureNotMatch
	}

	return b, nil
}

// AddE820Entry appends one memory range to the e820 table.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	if int(b.E820Entries) >= e820MaxEntries {
		return
	}

	b.E820Table[b.E820Entries] = E820Entry{
		Addr: addr,
		Size: size,
		Type: typ,
	}
	b.E820Entries++
}

// KernelOffset is where the protected-mode kernel starts inside the
// bzImage file. A setup_sects of zero means the historical default of 4.
func (b *BootParam) KernelOffset() int {
	sects := int(b.Hdr.SetupSects)
	if sects == 0 {
		sects = 4
	}

	return (sects + 1) * 512
}

// Bytes serializes the zero page.
func (b *BootParam) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
