package acpi

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
)

// AMLOp is an AML bytecode opcode or resource descriptor tag.
type AMLOp uint8

const (
	OpZero AMLOp = 0x00
	OpOne  AMLOp = 0x01

	OpName            AMLOp = 0x08
	OpBytePrefix      AMLOp = 0x0A
	OpWordPrefix      AMLOp = 0x0B
	OpDWordPrefix     AMLOp = 0x0C
	OpString          AMLOp = 0x0D
	OpQWordPrefix     AMLOp = 0x0E
	OpScope           AMLOp = 0x10
	OpBuffer          AMLOp = 0x11
	OpPackage         AMLOp = 0x12
	OpMethod          AMLOp = 0x14
	OpDualNamePrefix  AMLOp = 0x2E
	OpMultiNamePrefix AMLOp = 0x2F

	OpExtPrefix AMLOp = 0x5B
	OpDevice    AMLOp = 0x82

	OpReturn AMLOp = 0xA4
	OpOnes   AMLOp = 0xFF

	// Small and large resource descriptor tags.
	IOPortDesc     AMLOp = 0x47
	EndTag         AMLOp = 0x79
	Mem32FixedDesc AMLOp = 0x86
	ExtIRQDesc     AMLOp = 0x89
)

// AML accumulates encoded AML terms. Methods append one term each and
// return the receiver so terms chain.
type AML struct {
	buf bytes.Buffer
}

func NewAML() *AML {
	return &AML{}
}

func (a *AML) ToBytes() []byte {
	return a.buf.Bytes()
}

func (a *AML) Zero() *AML {
	a.buf.WriteByte(byte(OpZero))

	return a
}

func (a *AML) One() *AML {
	a.buf.WriteByte(byte(OpOne))

	return a
}

func (a *AML) Bytes(b byte) *AML {
	a.buf.WriteByte(byte(OpBytePrefix))
	a.buf.WriteByte(b)

	return a
}

func (a *AML) Word(w uint16) *AML {
	a.buf.WriteByte(byte(OpWordPrefix))

	data := make([]byte, 2)

	binary.LittleEndian.PutUint16(data, w)
	a.buf.Write(data)

	return a
}

func (a *AML) DWord(dw uint32) *AML {
	a.buf.WriteByte(byte(OpDWordPrefix))

	data := make([]byte, 4)

	binary.LittleEndian.PutUint32(data, dw)
	a.buf.Write(data)

	return a
}

func (a *AML) QWord(qw uint64) *AML {
	a.buf.WriteByte(byte(OpQWordPrefix))

	data := make([]byte, 8)

	binary.LittleEndian.PutUint64(data, qw)
	a.buf.Write(data)

	return a
}

// Integer emits v in its smallest constant encoding.
func (a *AML) Integer(v uint64) *AML {
	switch {
	case v == 0:
		return a.Zero()
	case v == 1:
		return a.One()
	case v <= 0xff:
		return a.Bytes(byte(v))
	case v <= 0xffff:
		return a.Word(uint16(v))
	case v <= 0xffff_ffff:
		return a.DWord(uint32(v))
	}

	return a.QWord(v)
}

func (a *AML) String(str string) *AML {
	a.buf.WriteByte(byte(OpString))
	a.buf.WriteString(str)
	a.buf.WriteByte(0x0)

	return a
}

// Path emits a name string. Segments are '.'-separated, padded to four
// characters with '_', and a leading '\' roots the path. Two segments
// take the dual-name prefix, more the multi-name prefix.
func (a *AML) Path(str string) *AML {
	if strings.HasPrefix(str, "\\") {
		a.buf.WriteByte('\\')

		str = str[1:]
	}

	segs := strings.Split(str, ".")

	switch len(segs) {
	case 1:
	case 2:
		a.buf.WriteByte(byte(OpDualNamePrefix))
	default:
		a.buf.WriteByte(byte(OpMultiNamePrefix))
		a.buf.WriteByte(byte(len(segs)))
	}

	for _, seg := range segs {
		if len(seg) > 4 {
			return nil
		}

		a.buf.WriteString(seg)

		for i := len(seg); i < 4; i++ {
			a.buf.WriteByte('_')
		}
	}

	return a
}

// Name emits a named object definition.
func (a *AML) Name(path string, inner *AML) *AML {
	a.buf.WriteByte(byte(OpName))
	a.Path(path)
	a.buf.Write(inner.ToBytes())

	return a
}

// EISAName emits the compressed dword form of a seven-character EISA
// id such as PNP0501: three uppercase letters and four hex digits.
func (a *AML) EISAName(str string) *AML {
	if len(str) != 7 {
		return nil
	}

	prod, err := strconv.ParseUint(str[3:], 16, 16)
	if err != nil {
		return nil
	}

	v1 := str[0] - 0x40
	v2 := str[1] - 0x40
	v3 := str[2] - 0x40

	a.buf.WriteByte(byte(OpDWordPrefix))
	a.buf.WriteByte(v1<<2 | v2>>3)
	a.buf.WriteByte(v2<<5 | v3)
	a.buf.WriteByte(byte(prod >> 8))
	a.buf.WriteByte(byte(prod))

	return a
}

const (
	pkgLen1 = 63
	pkgLen2 = 4096
	pkgLen3 = 1048573
)

// CalcPkgLength encodes an AML package length. With includepkg the
// encoding's own bytes count toward the length, as the grammar
// requires for package-bearing terms.
func CalcPkgLength(length uint32, includepkg bool) []byte {
	var lenlen uint32

	switch {
	case length < pkgLen1:
		lenlen = 1
	case length < pkgLen2:
		lenlen = 2
	case length < pkgLen3:
		lenlen = 3
	default:
		lenlen = 4
	}

	ret := make([]byte, lenlen)

	if includepkg {
		length += lenlen
	}

	switch lenlen {
	case 1:
		ret[0] = uint8(length)
	case 2:
		ret[0] = (uint8(1) << 6) | uint8(length&0xf)
		ret[1] = uint8(length >> 4)
	case 3:
		ret[0] = (uint8(2) << 6) | uint8(length&0xf)
		ret[1] = uint8(length >> 4)
		ret[2] = uint8(length >> 12)
	case 4:
		ret[0] = (uint8(3) << 6) | uint8(length&0xf)
		ret[1] = uint8(length >> 4)
		ret[2] = uint8(length >> 12)
		ret[3] = uint8(length >> 20)
	}

	return ret
}

func (a *AML) pkg(op AMLOp, ext bool, inner []byte) *AML {
	if ext {
		a.buf.WriteByte(byte(OpExtPrefix))
	}

	a.buf.WriteByte(byte(op))
	a.buf.Write(CalcPkgLength(uint32(len(inner)), true))
	a.buf.Write(inner)

	return a
}

// Package emits a fixed-size package of the given elements.
func (a *AML) Package(elements ...*AML) *AML {
	inner := NewAML()
	inner.buf.WriteByte(byte(len(elements)))

	for _, e := range elements {
		inner.buf.Write(e.ToBytes())
	}

	return a.pkg(OpPackage, false, inner.ToBytes())
}

func (a *AML) Scope(path string, children *AML) *AML {
	inner := NewAML()
	inner.Path(path)
	inner.buf.Write(children.ToBytes())

	return a.pkg(OpScope, false, inner.ToBytes())
}

func (a *AML) Device(path string, children *AML) *AML {
	inner := NewAML()
	inner.Path(path)
	inner.buf.Write(children.ToBytes())

	return a.pkg(OpDevice, true, inner.ToBytes())
}

func (a *AML) Method(path string, args uint8, serialize bool, children *AML) *AML {
	inner := NewAML()
	inner.Path(path)

	flags := args & 0x7
	if serialize {
		flags |= 1 << 3
	}

	inner.buf.WriteByte(flags)
	inner.buf.Write(children.ToBytes())

	return a.pkg(OpMethod, false, inner.ToBytes())
}

func (a *AML) Return(op *AML) *AML {
	a.buf.WriteByte(byte(OpReturn))
	a.buf.Write(op.ToBytes())

	return a
}

// ResourceTemplate wraps resource descriptors in a buffer, appending
// the end tag the grammar wants. The buffer size is itself an integer
// term and counts toward the package length.
func (a *AML) ResourceTemplate(inner *AML) *AML {
	data := inner.ToBytes()
	data = append(data, byte(EndTag), 0x0)

	size := NewAML().Integer(uint64(len(data)))
	body := append(size.ToBytes(), data...)

	return a.pkg(OpBuffer, false, body)
}

// IO emits a fixed io-port range descriptor.
func (a *AML) IO(min, max uint16, align, length uint8) *AML {
	a.buf.WriteByte(byte(IOPortDesc))
	a.buf.WriteByte(0x1) // 16-bit decode

	data := make([]byte, 2)

	binary.LittleEndian.PutUint16(data, min)
	a.buf.Write(data)
	binary.LittleEndian.PutUint16(data, max)
	a.buf.Write(data)

	a.buf.WriteByte(align)
	a.buf.WriteByte(length)

	return a
}

// Memory32Fixed emits a fixed 32-bit memory range descriptor.
func (a *AML) Memory32Fixed(base, length uint32, rw bool) *AML {
	a.buf.WriteByte(byte(Mem32FixedDesc))
	a.buf.WriteByte(0x09)
	a.buf.WriteByte(0x0)

	readwrite := uint8(0)
	if rw {
		readwrite = 1
	}

	a.buf.WriteByte(readwrite)

	data := make([]byte, 4)

	binary.LittleEndian.PutUint32(data, base)
	a.buf.Write(data)
	binary.LittleEndian.PutUint32(data, length)
	a.buf.Write(data)

	return a
}

// Interrupt emits an extended interrupt descriptor for one GSI.
func (a *AML) Interrupt(consumer, edgetrig, activelow, shared bool, number uint32) *AML {
	flags := uint8(0)

	if consumer {
		flags = 0x1
	}

	if edgetrig {
		flags |= 1 << 1
	}

	if activelow {
		flags |= 1 << 2
	}

	if shared {
		flags |= 1 << 3
	}

	a.buf.WriteByte(byte(ExtIRQDesc))
	a.buf.WriteByte(0x6)
	a.buf.WriteByte(0x0)
	a.buf.WriteByte(flags)
	a.buf.WriteByte(1)

	data := make([]byte, 4)

	binary.LittleEndian.PutUint32(data, number)
	a.buf.Write(data)

	return a
}
