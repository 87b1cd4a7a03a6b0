package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/capsa-vm/capsa/bootparam"
)

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("../bzImage"); err != nil {
		t.Skipf("bzImage unavailable: %v", err)
	}

	if _, err := bootparam.New("../bzImage"); err != nil {
		t.Fatal(err)
	}
}

func TestNewNotbzImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "not-a-kernel")
	if err := os.WriteFile(path, make([]byte, 0x1000), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bootparam.New(path); err == nil {
		t.Fatal("expected error parsing a non-bzImage file")
	}
}

func TestBytesSize(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(raw) != 0x1000 {
		t.Fatalf("zero page must serialize to 4096 bytes, got %d", len(raw))
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}
	b.AddE820Entry(
		0x1234567812345678,
		0xabcdefabcdefabcd,
		bootparam.E820Ram,
	)

	rawBootParam, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if rawBootParam[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries: %d", rawBootParam[0x1E8])
	}

	actual := bootparam.E820Entry{}
	reader := bytes.NewReader(rawBootParam[0x2D0:])

	if err := binary.Read(reader, binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %v", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %v", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %v", actual.Type)
	}
}

func TestKernelOffset(t *testing.T) {
	t.Parallel()

	b := &bootparam.BootParam{}
	if b.KernelOffset() != 5*512 {
		t.Fatalf("setup_sects 0 must mean 4, got offset %d", b.KernelOffset())
	}

	b.Hdr.SetupSects = 7
	if b.KernelOffset() != 8*512 {
		t.Fatalf("unexpected kernel offset %d", b.KernelOffset())
	}
}
