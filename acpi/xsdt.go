package acpi

import (
	"bytes"
	"encoding/binary"
)

// XSDT lists the physical addresses of the other system tables.
type XSDT struct {
	Header
	Entries []uint64
}

func NewXSDT(oemid, oemtableid string) XSDT {
	return XSDT{Header: newHeader(SigXSDT, 1, oemid, oemtableid)}
}

func (x *XSDT) AddEntry(entry uint64) {
	x.Entries = append(x.Entries, entry)
}

func (x *XSDT) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, x.Header); err != nil {
		return nil, err
	}

	for _, addr := range x.Entries {
		if err := binary.Write(&buf, binary.LittleEndian, addr); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
