package machine

import (
	"testing"

	"github.com/capsa-vm/capsa/acpi"
)

// The PM1 block is plain register state, so these tests drive the port
// handlers directly without a VM behind them.
func newPMMachine() *Machine {
	return &Machine{shutdown: make(chan struct{})}
}

func readPM1(t *testing.T, m *Machine, port uint64) uint16 {
	t.Helper()

	b := make([]byte, 2)
	if err := m.pm1In(port, b); err != nil {
		t.Fatalf("pm1In(%#x): %v", port, err)
	}

	return uint16(b[0]) | uint16(b[1])<<8
}

func writePM1(t *testing.T, m *Machine, port uint64, val uint16) {
	t.Helper()

	if err := m.pm1Out(port, []byte{byte(val), byte(val >> 8)}); err != nil {
		t.Fatalf("pm1Out(%#x): %v", port, err)
	}
}

func TestPowerButtonLatchesStatus(t *testing.T) {
	t.Parallel()

	m := newPMMachine()

	m.PowerButton()

	if sts := readPM1(t, m, acpi.PM1aEvtPort); sts&acpi.PM1PwrbtnSts == 0 {
		t.Fatalf("status %#x, want power button bit", sts)
	}

	// Write one to clear.
	writePM1(t, m, acpi.PM1aEvtPort, acpi.PM1PwrbtnSts)

	if sts := readPM1(t, m, acpi.PM1aEvtPort); sts != 0 {
		t.Fatalf("status %#x after clear, want 0", sts)
	}
}

func TestPM1EnableReadback(t *testing.T) {
	t.Parallel()

	m := newPMMachine()

	writePM1(t, m, acpi.PM1aEvtPort+2, acpi.PM1PwrbtnEn)

	if en := readPM1(t, m, acpi.PM1aEvtPort+2); en != acpi.PM1PwrbtnEn {
		t.Fatalf("enable %#x, want %#x", en, acpi.PM1PwrbtnEn)
	}
}

func TestPM1ByteGranularAccess(t *testing.T) {
	t.Parallel()

	m := newPMMachine()

	// The power button bits live in the high byte.
	if err := m.pm1Out(acpi.PM1aEvtPort+3, []byte{byte(acpi.PM1PwrbtnEn >> 8)}); err != nil {
		t.Fatalf("pm1Out: %v", err)
	}

	if en := readPM1(t, m, acpi.PM1aEvtPort+2); en != acpi.PM1PwrbtnEn {
		t.Fatalf("enable %#x after high-byte write, want %#x", en, acpi.PM1PwrbtnEn)
	}

	b := make([]byte, 1)
	if err := m.pm1In(acpi.PM1aEvtPort+3, b); err != nil {
		t.Fatalf("pm1In: %v", err)
	}

	if b[0] != byte(acpi.PM1PwrbtnEn>>8) {
		t.Fatalf("high byte %#x, want %#x", b[0], byte(acpi.PM1PwrbtnEn>>8))
	}
}

func TestS5WriteRequestsShutdown(t *testing.T) {
	t.Parallel()

	m := newPMMachine()

	writePM1(t, m, acpi.PM1aCntPort, acpi.SlpTypS5<<acpi.PM1SlpTypShift|acpi.PM1SlpEn)

	select {
	case <-m.ShutdownRequests():
	default:
		t.Fatal("shutdown channel still open after S5 write")
	}

	if !m.stopped.Load() {
		t.Fatal("vcpus not stopped after S5 write")
	}

	// SLP_EN reads back clear.
	if cnt := readPM1(t, m, acpi.PM1aCntPort); cnt&acpi.PM1SlpEn != 0 {
		t.Fatalf("control %#x, SLP_EN should not latch", cnt)
	}
}

func TestNonS5SleepIgnored(t *testing.T) {
	t.Parallel()

	m := newPMMachine()

	writePM1(t, m, acpi.PM1aCntPort, 1<<acpi.PM1SlpTypShift|acpi.PM1SlpEn)

	select {
	case <-m.ShutdownRequests():
		t.Fatal("non-S5 sleep type powered the machine off")
	default:
	}
}
