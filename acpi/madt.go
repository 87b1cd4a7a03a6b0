package acpi

import (
	"bytes"
	"encoding/binary"
)

const (
	TypeLocalAPIC uint8 = 0 + iota
	TypeIOAPIC
	TypeInterruptSourceOverride
)

const (
	// MADTFlagsPCATCompat marks a dual-8259 setup alongside the APICs.
	MADTFlagsPCATCompat uint32 = 1 << 0

	localAPICAddr = 0xfee0_0000
)

type APIC interface {
	ToBytes() ([]byte, error)
}

type LocalAPIC struct {
	Type        uint8
	Length      uint8
	ProcessorID uint8
	APICId      uint8
	Flags       uint32
}

func NewLocalAPIC(id uint8) *LocalAPIC {
	return &LocalAPIC{
		Type:        TypeLocalAPIC,
		Length:      8,
		ProcessorID: id,
		APICId:      id,
		Flags:       1, // enabled
	}
}

func (l *LocalAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type IOAPIC struct {
	Type        uint8
	Length      uint8
	IOAPICID    uint8
	_           uint8
	APICAddress uint32
	GSIBase     uint32
}

func NewIOAPIC(id uint8, addr, gsiBase uint32) *IOAPIC {
	return &IOAPIC{
		Type:        TypeIOAPIC,
		Length:      12,
		IOAPICID:    id,
		APICAddress: addr,
		GSIBase:     gsiBase,
	}
}

func (i *IOAPIC) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

type InterruptSourceOverride struct {
	Type   uint8
	Length uint8
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

func NewInterruptSourceOverride(source uint8, gsi uint32, flags uint16) *InterruptSourceOverride {
	return &InterruptSourceOverride{
		Type:   TypeInterruptSourceOverride,
		Length: 10,
		Source: source,
		GSI:    gsi,
		Flags:  flags,
	}
}

func (i *InterruptSourceOverride) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, i); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// MADT describes the interrupt controllers: one local APIC per vCPU,
// the IOAPIC, and the ISA override entries.
type MADT struct {
	Header
	LocalAPICAddr uint32
	MADTFlags     uint32
	APICS         []APIC
}

func NewMADT(oemid, oemtableid string) MADT {
	return MADT{
		Header:        newHeader(SigAPIC, 3, oemid, oemtableid),
		LocalAPICAddr: localAPICAddr,
		MADTFlags:     MADTFlagsPCATCompat,
	}
}

func (m *MADT) AddAPIC(apic APIC) {
	m.APICS = append(m.APICS, apic)
}

func (m *MADT) ToBytes() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, m.Header); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.LocalAPICAddr); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, m.MADTFlags); err != nil {
		return nil, err
	}

	for _, apic := range m.APICS {
		data, err := apic.ToBytes()
		if err != nil {
			return nil, err
		}

		if _, err := buf.Write(data); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
