package capsa

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"

	"github.com/capsa-vm/capsa/errdefs"
)

// vsockDialer is satisfied by backends that reach the guest through a
// framework socket device instead of a host AF_VSOCK address.
type vsockDialer interface {
	DialVsock(port uint32) (net.Conn, error)
}

// DialVsock connects to a vsock listener inside the guest. On KVM the
// guest is addressed by its context id through the host AF_VSOCK
// stack; framework backends that expose a socket device dial through
// it directly.
func (h *Handle) DialVsock(port uint32) (net.Conn, error) {
	if h.Status() != StatusRunning {
		return nil, errdefs.ErrNotRunning
	}

	h.mu.Lock()
	vm := h.vm
	h.mu.Unlock()

	if d, ok := vm.(vsockDialer); ok {
		return d.DialVsock(port)
	}

	cid := vm.GuestCID()
	if cid == 0 {
		return nil, fmt.Errorf("%w: vsock", errdefs.ErrUnsupportedFeature)
	}

	return vsock.Dial(uint32(cid), port, nil)
}
