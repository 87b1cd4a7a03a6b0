package ebda_test

import (
	"testing"

	"github.com/capsa-vm/capsa/ebda"
)

func TestNewMPFIntel(t *testing.T) {
	t.Parallel()

	m, err := ebda.NewMPFIntel()
	if err != nil {
		t.Fatal(err)
	}

	checkSum, err := m.CalcCheckSum()
	if err != nil {
		t.Fatal(err)
	}

	if checkSum != 0 {
		t.Fatal("invalid checksum")
	}

	raw, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(raw) != 16 {
		t.Fatal("invalid size")
	}
}

func TestNewMPCTable(t *testing.T) {
	t.Parallel()

	m, err := ebda.NewMPCTable(4)
	if err != nil {
		t.Fatal(err)
	}

	checkSum, err := m.CalcCheckSum()
	if err != nil {
		t.Fatal(err)
	}

	if checkSum != 0 {
		t.Fatal("invalid checksum")
	}

	if m.OEMCount != 4 {
		t.Fatalf("unexpected processor count %d", m.OEMCount)
	}
}

func TestNewRejectsTooManyCPUs(t *testing.T) {
	t.Parallel()

	if _, err := ebda.New(33); err == nil {
		t.Fatal("expected error for oversized vCPU count")
	}
}

func TestEBDAFitsLowMemoryHole(t *testing.T) {
	t.Parallel()

	e, err := ebda.New(1)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := e.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(raw) >= 1024 {
		t.Fatalf("EBDA too large: %d bytes", len(raw))
	}
}
