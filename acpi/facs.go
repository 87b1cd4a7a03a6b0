package acpi

import (
	"bytes"
	"encoding/binary"
)

// FACS is the firmware control structure. It carries no checksum; the
// FADT points at it. Must land on a 64-byte boundary.
type FACS struct {
	Signature             [4]byte
	Length                uint32
	HardwareSignature     uint32
	FirmwareWakingVector  uint32
	GlobalLock            uint32
	Flags                 uint32
	XFirmwareWakingVector uint64
	Version               uint8
	_                     [3]uint8
	OSPMFlags             uint32
	_                     [24]uint8
}

func NewFACS() FACS {
	f := FACS{
		Length:  64,
		Version: 2,
	}

	f.Signature = SigFACS.ToBytes()

	return f
}

func (f *FACS) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
