package acpi

import "encoding/binary"

// Header is the common description header every system table starts
// with. Length and Checksum are filled in by finalize once the table
// body is serialized.
type Header struct {
	Signature  [4]byte
	Length     uint32
	Rev        uint8
	Checksum   uint8
	OEMId      [6]byte
	OEMTableID [8]byte
	OEMRev     uint32
	CreatorID  [4]byte
	CreatorRev uint32
}

func pad(s string, n int) []byte {
	b := make([]byte, n)

	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}

	return b
}

func newHeader(sig Signature, rev uint8, oemID, oemTableID string) Header {
	h := Header{
		Signature:  sig.ToBytes(),
		Rev:        rev,
		OEMRev:     1,
		CreatorRev: 1,
	}

	copy(h.OEMId[:], pad(oemID, 6))
	copy(h.OEMTableID[:], pad(oemTableID, 8))
	copy(h.CreatorID[:], "CPSA")

	return h
}

// checksum returns the value that makes the byte sum of b come out
// zero mod 256.
func checksum(b []byte) uint8 {
	var sum uint8

	for _, x := range b {
		sum += x
	}

	return -sum
}

// finalize patches the Length and Checksum fields of a serialized
// table in place.
func finalize(table []byte) {
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = 0
	table[9] = checksum(table)
}
