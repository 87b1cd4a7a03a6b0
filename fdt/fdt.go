// Package fdt serializes a flattened device tree blob, the boot-time
// hardware description an arm64 kernel expects in x0. Only the pieces
// a direct-boot VM needs are covered: nodes, properties, and memory
// reservations, emitted as a version-17 DTB.
package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	magic = 0xd00dfeed

	version        = 17
	lastCompatible = 16

	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenEnd       = 9

	headerSize = 40
)

// Node is one device tree node. Properties keep insertion order;
// children follow properties in the serialized stream.
type Node struct {
	name     string
	props    []property
	children []*Node
}

type property struct {
	name string
	data []byte
}

// Tree is a device tree under construction.
type Tree struct {
	root     Node
	reserved [][2]uint64
}

func New() *Tree {
	return &Tree{}
}

// Root returns the top-level node. Its name is empty on the wire.
func (t *Tree) Root() *Node {
	return &t.root
}

// ReserveMemory records one entry for the memory reservation block.
func (t *Tree) ReserveMemory(addr, size uint64) {
	t.reserved = append(t.reserved, [2]uint64{addr, size})
}

// Node appends a child and returns it for further population.
func (n *Node) Node(name string) *Node {
	child := &Node{name: name}
	n.children = append(n.children, child)

	return child
}

// Prop attaches a raw property value.
func (n *Node) Prop(name string, data []byte) *Node {
	n.props = append(n.props, property{name: name, data: data})

	return n
}

// PropString attaches a NUL-terminated string property.
func (n *Node) PropString(name, value string) *Node {
	return n.Prop(name, append([]byte(value), 0))
}

// PropStrings attaches a string list property.
func (n *Node) PropStrings(name string, values ...string) *Node {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}

	return n.Prop(name, data)
}

// PropU32 attaches big-endian cells.
func (n *Node) PropU32(name string, values ...uint32) *Node {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(data[i*4:], v)
	}

	return n.Prop(name, data)
}

// PropU64 attaches big-endian 64-bit values as cell pairs.
func (n *Node) PropU64(name string, values ...uint64) *Node {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[i*8:], v)
	}

	return n.Prop(name, data)
}

// PropEmpty attaches a zero-length boolean property.
func (n *Node) PropEmpty(name string) *Node {
	return n.Prop(name, nil)
}

// stringTable dedups property names into the strings block.
type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func (s *stringTable) offset(name string) uint32 {
	if off, ok := s.offsets[name]; ok {
		return off
	}

	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)

	if s.offsets == nil {
		s.offsets = make(map[string]uint32)
	}

	s.offsets[name] = off

	return off
}

func pad4(b *bytes.Buffer) {
	for b.Len()%4 != 0 {
		b.WriteByte(0)
	}
}

func writeToken(b *bytes.Buffer, token uint32) {
	var w [4]byte

	binary.BigEndian.PutUint32(w[:], token)
	b.Write(w[:])
}

func (n *Node) serialize(structs *bytes.Buffer, strs *stringTable) error {
	if bytes.ContainsRune([]byte(n.name), 0) {
		return fmt.Errorf("node name %q contains NUL", n.name)
	}

	writeToken(structs, tokenBeginNode)
	structs.WriteString(n.name)
	structs.WriteByte(0)
	pad4(structs)

	for _, p := range n.props {
		writeToken(structs, tokenProp)
		writeToken(structs, uint32(len(p.data)))
		writeToken(structs, strs.offset(p.name))
		structs.Write(p.data)
		pad4(structs)
	}

	for _, child := range n.children {
		if err := child.serialize(structs, strs); err != nil {
			return err
		}
	}

	writeToken(structs, tokenEndNode)

	return nil
}

// Bytes serializes the tree into one DTB blob.
func (t *Tree) Bytes() ([]byte, error) {
	var structs bytes.Buffer

	strs := &stringTable{}

	if err := t.root.serialize(&structs, strs); err != nil {
		return nil, err
	}

	writeToken(&structs, tokenEnd)

	// The reservation block is a (0, 0)-terminated list of address,
	// size pairs.
	var rsv bytes.Buffer

	for _, r := range t.reserved {
		var pair [16]byte

		binary.BigEndian.PutUint64(pair[:8], r[0])
		binary.BigEndian.PutUint64(pair[8:], r[1])
		rsv.Write(pair[:])
	}

	rsv.Write(make([]byte, 16))

	rsvOff := uint32(headerSize)
	structOff := rsvOff + uint32(rsv.Len())
	strsOff := structOff + uint32(structs.Len())
	total := strsOff + uint32(strs.buf.Len())

	out := bytes.NewBuffer(make([]byte, 0, total))

	for _, field := range []uint32{
		magic,
		total,
		structOff,
		strsOff,
		rsvOff,
		version,
		lastCompatible,
		0, // boot cpu
		uint32(strs.buf.Len()),
		uint32(structs.Len()),
	} {
		writeToken(out, field)
	}

	out.Write(rsv.Bytes())
	out.Write(structs.Bytes())
	out.Write(strs.buf.Bytes())

	return out.Bytes(), nil
}
