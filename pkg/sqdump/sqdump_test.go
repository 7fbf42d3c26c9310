package sqdump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/rts/internal/chip"
	"github.com/samcharles93/rts/internal/sqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ring(depth uint32, fill func(pos uint32) byte) []byte {
	b := make([]byte, int(depth)*sqe.Size)
	for pos := range depth {
		b[int(pos)*sqe.Size] = fill(pos)
	}
	return b
}

func writeCapture(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f, chip.Stars)
	require.NoError(t, err)
	require.NoError(t, w.WriteStream(Stream{StreamID: 3, Depth: 8, Head: 6, Tail: 2, Base: 0x1000}, ring(8, func(p uint32) byte { return byte(p + 1) })))
	require.NoError(t, w.WriteStream(Stream{StreamID: 9, Depth: 4, Head: 1, Tail: 1, Base: 0x9000}, ring(4, func(uint32) byte { return 0xee })))
	assert.Error(t, w.WriteStream(Stream{StreamID: 3, Depth: 4}, ring(4, func(uint32) byte { return 0 })), "duplicate")
	assert.Error(t, w.WriteStream(Stream{StreamID: 5, Depth: 4}, make([]byte, 10)), "short ring")
	require.NoError(t, w.Finalise())
	assert.Error(t, w.Finalise())
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sq.sqd")
	writeCapture(t, path)

	sf, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, sf.Close()) }()

	assert.Equal(t, chip.Stars, sf.Header.Gen())
	require.Len(t, sf.Streams, 2)
	s := sf.Stream(3)
	require.NotNil(t, s)
	assert.Zero(t, s.Offset%payloadAlign)
	assert.Equal(t, uint64(0x1000), s.Base)

	var got []uint32
	for pos, e := range sf.Pending(s) {
		assert.Equal(t, byte(pos+1), e[0])
		got = append(got, pos)
	}
	assert.Equal(t, []uint32{6, 7, 0, 1}, got, "pending wraps past the end")

	empty := 0
	for range sf.Pending(sf.Stream(9)) {
		empty++
	}
	assert.Zero(t, empty)
	assert.Nil(t, sf.Stream(1))
}

func TestOpenReaderAtRejectsCorruption(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sq.sqd")
	writeCapture(t, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	open := func(b []byte) error {
		p := filepath.Join(t.TempDir(), "x.sqd")
		require.NoError(t, os.WriteFile(p, b, 0o644))
		f, err := os.Open(p)
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		sf, err := OpenReaderAt(f, int64(len(b)))
		if err == nil {
			assert.False(t, sf.mmapped)
			_ = sf.Close()
		}
		return err
	}

	require.NoError(t, open(data))

	bad := append([]byte(nil), data...)
	bad[0] = 'X'
	assert.ErrorIs(t, open(bad), ErrInvalidMagic)

	bad = append([]byte(nil), data...)
	bad[4] = 9
	assert.ErrorIs(t, open(bad), ErrUnsupportedMajor)

	assert.ErrorIs(t, open(data[:len(data)-1]), ErrCorruptFile)
	assert.ErrorIs(t, open(data[:20]), ErrCorruptFile)
}
