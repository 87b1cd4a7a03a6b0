package acpi

import (
	"bytes"
	"encoding/binary"
)

// DSDT is the differentiated system description table: a header
// followed by the AML definition block.
type DSDT struct {
	Header
	*AML
}

func NewDSDT(oemid, oemtableid string) DSDT {
	return DSDT{newHeader(SigDSDT, 2, oemid, oemtableid), NewAML()}
}

func (d *DSDT) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, d.Header); err != nil {
		return nil, err
	}

	if _, err := buf.Write(d.AML.ToBytes()); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
