package machine

// Fixed-hardware power management: the PM1a event and control blocks
// the FADT advertises. The guest arms the power button through the
// enable register and cuts power with an S5 write to the control
// register; the host injects a power button press through the SCI.

import (
	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/acpi"
	"github.com/capsa-vm/capsa/kvm"
)

// updateSCI drives the SCI level off the armed status bits. Call with
// pmMu held.
func (m *Machine) updateSCI() {
	var level uint32
	if m.pm1Sts&m.pm1En&acpi.PM1PwrbtnSts != 0 {
		level = 1
	}

	if err := kvm.IRQLine(m.vmFd, acpi.SCIInterrupt, level); err != nil {
		logrus.WithError(err).Debug("sci line")
	}
}

func (m *Machine) pm1Reg(port uint64) (*uint16, uint64) {
	switch {
	case port >= acpi.PM1aEvtPort && port < acpi.PM1aEvtPort+2:
		return &m.pm1Sts, acpi.PM1aEvtPort
	case port >= acpi.PM1aEvtPort+2 && port < acpi.PM1aEvtPort+4:
		return &m.pm1En, acpi.PM1aEvtPort + 2
	case port >= acpi.PM1aCntPort && port < acpi.PM1aCntPort+2:
		return &m.pm1Cnt, acpi.PM1aCntPort
	}

	return nil, 0
}

func (m *Machine) pm1In(port uint64, bytes []byte) error {
	m.pmMu.Lock()
	defer m.pmMu.Unlock()

	reg, base := m.pm1Reg(port)
	if reg == nil {
		for i := range bytes {
			bytes[i] = 0
		}

		return nil
	}

	for i := range bytes {
		bytes[i] = byte(*reg >> ((port - base + uint64(i)) * 8))
	}

	return nil
}

func (m *Machine) pm1Out(port uint64, bytes []byte) error {
	m.pmMu.Lock()
	defer m.pmMu.Unlock()

	reg, base := m.pm1Reg(port)
	if reg == nil {
		return nil
	}

	var val, mask uint16

	for i := range bytes {
		shift := (port - base + uint64(i)) * 8
		val |= uint16(bytes[i]) << shift
		mask |= 0xff << shift
	}

	switch reg {
	case &m.pm1Sts:
		// Write one to clear.
		m.pm1Sts &^= val
		m.updateSCI()
	case &m.pm1En:
		m.pm1En = m.pm1En&^mask | val
		m.updateSCI()
	case &m.pm1Cnt:
		m.pm1Cnt = m.pm1Cnt&^mask | val&^acpi.PM1SlpEn

		if val&acpi.PM1SlpEn != 0 && (val>>acpi.PM1SlpTypShift)&0x7 == acpi.SlpTypS5 {
			logrus.Info("guest entered S5, powering off")
			m.shutdownOnce.Do(func() { close(m.shutdown) })
			m.Stop()
		}
	}

	return nil
}

// PowerButton presses the fixed power button. The guest sees an SCI
// once it has set the power button enable bit; a Linux guest then runs
// its ordered shutdown and finishes with an S5 write.
func (m *Machine) PowerButton() {
	m.pmMu.Lock()
	defer m.pmMu.Unlock()

	m.pm1Sts |= acpi.PM1PwrbtnSts
	m.updateSCI()
}

// ShutdownRequests is closed when the guest powers itself off.
func (m *Machine) ShutdownRequests() <-chan struct{} {
	return m.shutdown
}
