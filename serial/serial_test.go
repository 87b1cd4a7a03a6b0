package serial_test

import (
	"bytes"
	"testing"

	"github.com/capsa-vm/capsa/serial"
)

func noIRQ(irq, level uint32) {}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := serial.New(nil, noIRQ)
	if err != nil {
		t.Fatal(err)
	}

	s.GetInputChan()
}

func TestIn(t *testing.T) {
	t.Parallel()

	s, err := serial.New(nil, noIRQ)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 8; i++ {
		if err := s.In(uint64(serial.COM1Addr+i), []byte{0}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOutTHRLandsOnWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s, err := serial.New(&buf, noIRQ)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range []byte("ok\n") {
		if err := s.Out(serial.COM1Addr, []byte{c}); err != nil {
			t.Fatal(err)
		}
	}

	if buf.String() != "ok\n" {
		t.Fatalf("unexpected console output %q", buf.String())
	}
}

func TestQueueInputRaisesIRQ(t *testing.T) {
	t.Parallel()

	pulses := 0

	s, err := serial.New(nil, func(irq, level uint32) {
		if irq != serial.COM1IRQ {
			t.Errorf("unexpected irq %d", irq)
		}

		pulses++
	})
	if err != nil {
		t.Fatal(err)
	}

	// enable receive interrupts, then feed a byte
	if err := s.Out(serial.COM1Addr+1, []byte{0x1}); err != nil {
		t.Fatal(err)
	}

	before := pulses
	s.QueueInput([]byte{'x'})

	if pulses <= before {
		t.Fatal("expected IRQ pulse on input")
	}

	// LSR must report data ready, RBR must return the byte
	lsr := []byte{0}
	if err := s.In(serial.COM1Addr+5, lsr); err != nil {
		t.Fatal(err)
	}

	if lsr[0]&0x1 == 0 {
		t.Fatal("LSR missing data-ready")
	}

	rbr := []byte{0}
	if err := s.In(serial.COM1Addr, rbr); err != nil {
		t.Fatal(err)
	}

	if rbr[0] != 'x' {
		t.Fatalf("unexpected RBR value %q", rbr[0])
	}
}
