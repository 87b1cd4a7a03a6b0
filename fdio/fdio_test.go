package fdio_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capsa-vm/capsa/fdio"
)

func TestPipePairRoundTrip(t *testing.T) {
	t.Parallel()

	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	r2, w2, err := os.Pipe()
	require.NoError(t, err)

	a, err := fdio.NewPipePair(r1, w2)
	require.NoError(t, err)
	defer a.Close()

	b, err := fdio.NewPipePair(r2, w1)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestReadDeadline(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	s, err := fdio.FromFile(r)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

	buf := make([]byte, 1)
	_, err = s.Read(buf)
	require.Error(t, err)
	require.True(t, os.IsTimeout(err))
}
