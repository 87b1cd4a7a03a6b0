// Package serial emulates the 16550A UART at COM1, which carries the
// guest console when virtio-console is not in use.
package serial

import (
	"io"

	"github.com/sirupsen/logrus"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4

	lsrTHREmpty      = 0x60
	lsrDataReady     = 0x01
	ierRecvAvailable = 0x01
)

type Serial struct {
	IER byte
	LCR byte

	inputChan chan byte

	out io.Writer

	// Called to raise or lower the UART interrupt line.
	irqCallback func(irq, level uint32)
}

// New returns a UART whose transmit side lands on out.
func New(out io.Writer, irqCallBack func(irq, level uint32)) (*Serial, error) {
	s := &Serial{
		IER: 0, LCR: 0,
		inputChan:   make(chan byte, 10000),
		out:         out,
		irqCallback: irqCallBack,
	}

	return s, nil
}

// QueueInput feeds console bytes to the guest and pulses the line if
// receive interrupts are enabled.
func (s *Serial) QueueInput(data []byte) {
	for _, b := range data {
		select {
		case s.inputChan <- b:
		default:
			logrus.Debug("serial input overrun, dropping byte")

			return
		}
	}

	if s.IER&ierRecvAvailable != 0 {
		s.InjectIRQ(0)
		s.InjectIRQ(1)
	}
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

func (s *Serial) InjectIRQ(level uint32) {
	s.irqCallback(COM1IRQ, level)
}

func (s *Serial) In(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// RBR
		if len(s.inputChan) > 0 {
			values[0] = <-s.inputChan
		}
	case port == 0 && s.dlab():
		// DLL
		values[0] = 0xc // baud rate 9600
	case port == 1 && !s.dlab():
		// IER
		values[0] = s.IER
	case port == 1 && s.dlab():
		// DLM
		values[0] = 0x0 // baud rate 9600
	case port == 2:
		// IIR
	case port == 3:
		// LCR
		values[0] = s.LCR
	case port == 4:
		// MCR
	case port == 5:
		// LSR
		values[0] = lsrTHREmpty
		if len(s.inputChan) > 0 {
			values[0] |= lsrDataReady
		}
	case port == 6:
		// MSR
	}

	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	port -= COM1Addr

	switch {
	case port == 0 && !s.dlab():
		// THR
		if s.out != nil {
			if _, err := s.out.Write(values[:1]); err != nil {
				logrus.WithError(err).Debug("serial output write failed")
			}
		}
	case port == 1 && !s.dlab():
		// IER
		s.IER = values[0]
		if s.IER != 0 {
			s.InjectIRQ(0)
			s.InjectIRQ(1)
		}
	case port == 3:
		// LCR
		s.LCR = values[0]
	default:
		// DLL, DLM, FCR, MCR and scratch are accepted and ignored.
	}

	return nil
}
