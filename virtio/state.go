package virtio

// QueueState mirrors one virtqueue's device-side position: the ring
// addresses the driver programmed and the indices the device reached.
type QueueState struct {
	Num       uint16
	Ready     bool
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	NextAvail uint16
	NextUsed  uint16
}

// TransportState is everything a transport needs to resume on a
// restored guest memory image. The ring contents themselves travel
// with the memory.
type TransportState struct {
	Status          uint32
	InterruptStatus uint32
	DriverFeatures  uint64
	QueueSel        uint32
	Queues          []QueueState
}

// SaveState captures the transport registers and per-queue indices.
func (t *Transport) SaveState() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TransportState{
		Status:          t.status,
		InterruptStatus: t.intrStatus,
		DriverFeatures:  t.driverFeatures,
		QueueSel:        t.queueSel,
		Queues:          make([]QueueState, len(t.queues)),
	}

	for i, q := range t.queues {
		s.Queues[i] = QueueState{
			Num:       q.size,
			Ready:     q.ready,
			DescAddr:  q.descAddr,
			AvailAddr: q.availAddr,
			UsedAddr:  q.usedAddr,
			NextAvail: q.nextAvail,
			NextUsed:  q.nextUsed,
		}
	}

	return s
}

// RestoreState applies a previously captured state. Guest memory must
// already hold the matching ring contents.
func (t *Transport) RestoreState(s TransportState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = s.Status
	t.intrStatus = s.InterruptStatus
	t.driverFeatures = s.DriverFeatures
	t.queueSel = s.QueueSel

	for i, qs := range s.Queues {
		if i >= len(t.queues) {
			break
		}

		q := t.queues[i]
		q.size = qs.Num
		q.ready = qs.Ready
		q.descAddr = qs.DescAddr
		q.availAddr = qs.AvailAddr
		q.usedAddr = qs.UsedAddr
		q.nextAvail = qs.NextAvail
		q.nextUsed = qs.NextUsed
	}
}
