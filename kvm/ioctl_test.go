package kvm_test

import (
	"os"
	"testing"

	"github.com/capsa-vm/capsa/kvm"
)

func TestIoctlEINTRRetry(t *testing.T) {
	t.Parallel()

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("kvm unavailable: %v", err)
	}

	defer devKVM.Close()

	// KVM_GET_API_VERSION exercises the Ioctl retry loop.
	if _, err := kvm.GetAPIVersion(devKVM.Fd()); err != nil {
		t.Fatalf("GetAPIVersion failed: %v", err)
	}
}
