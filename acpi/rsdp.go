package acpi

import (
	"bytes"
	"encoding/binary"
)

// RSDP is the root pointer the kernel scans the BIOS window for. The
// revision 2 form carries the 64-bit XSDT address; the legacy RSDT
// slot stays zero.
type RSDP struct {
	Signature   [8]byte
	Checksum    uint8
	OEMID       [6]byte
	Revision    uint8
	RSDTAddr    uint32
	Length      uint32
	XSDTAddr    uint64
	ExtChecksum uint8
	_           [3]uint8
}

func NewRSDP(oemid string, xsdtAddr uint64) RSDP {
	r := RSDP{
		Revision: 2,
		Length:   36,
		XSDTAddr: xsdtAddr,
	}

	copy(r.Signature[:], "RSD PTR ")
	copy(r.OEMID[:], pad(oemid, 6))

	return r
}

// ToBytes serializes the pointer with both checksums computed: the
// first over the 20-byte revision 0 part, the second over the whole
// structure.
func (r *RSDP) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	r.Checksum, r.ExtChecksum = 0, 0

	if err := binary.Write(&buf, binary.LittleEndian, r); err != nil {
		return nil, err
	}

	b := buf.Bytes()
	b[8] = checksum(b[:20])
	b[32] = checksum(b)

	return b, nil
}
