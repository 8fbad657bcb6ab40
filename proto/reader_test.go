package proto

import (
	"bytes"
	"encoding/binary"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcap"
)

func rawFrame(length int32, code int32, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(length))
	binary.BigEndian.PutUint32(b[4:], uint32(code))
	return append(b, payload...)
}

func TestFrameRoundTrip(t *testing.T) {
	r := NewReader()
	for _, n := range []int{4, 5, 12, 100, 4096, dcap.CommandBlockSize} {
		payload := bytes.Repeat([]byte{byte(n)}, n-4)
		var out bytes.Buffer
		w := NewWriter(&out)
		require.NoError(t, w.Request(CmdReadv, func(b *Buffer) error {
			return b.PutBytes(payload)
		}), "n=%d", n)

		// one byte at a time exercises the partial read loop
		f, err := r.ReadFrame(iotest.OneByteReader(&out))
		require.NoError(t, err, "n=%d", n)
		assert.Equal(t, n, f.Length)
		assert.Equal(t, CmdReadv, f.Code)
		got, err := f.Bytes(f.Remaining())
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestFrameShortLengthRejected(t *testing.T) {
	r := NewReader()
	for _, l := range []int32{-1, 0, 3} {
		_, err := r.ReadFrame(bytes.NewReader(rawFrame(l, int32(CmdRead), make([]byte, 16))))
		assert.True(t, errors.Is(err, dcap.ErrProtocolViolation), "len=%d: %v", l, err)
	}
}

func TestFrameTooLargeRejected(t *testing.T) {
	r := NewReaderSize(64)
	_, err := r.ReadFrame(bytes.NewReader(rawFrame(65, int32(CmdRead), make([]byte, 61))))
	assert.True(t, errors.Is(err, dcap.ErrProtocolViolation))
}

func TestFrameEOF(t *testing.T) {
	r := NewReader()

	_, err := r.ReadFrame(bytes.NewReader(nil))
	assert.True(t, errors.Is(err, dcap.ErrPeerDisconnected))

	// inside the length prefix
	_, err = r.ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.True(t, errors.Is(err, dcap.ErrPeerDisconnected))

	// inside the body
	_, err = r.ReadFrame(bytes.NewReader(rawFrame(12, int32(CmdRead), []byte{1, 2})))
	assert.True(t, errors.Is(err, dcap.ErrPeerDisconnected))
}

func TestFrameTypedAccessors(t *testing.T) {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint64(payload, uint64(1<<40+7))
	binary.BigEndian.PutUint32(payload[8:], uint32(int32(SeekEnd)))
	r := NewReader()
	f, err := r.ReadFrame(bytes.NewReader(rawFrame(16, int32(CmdSeek), payload)))
	require.NoError(t, err)

	off, err := f.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40+7), off)
	whence, err := f.Int32()
	require.NoError(t, err)
	assert.Equal(t, int32(SeekEnd), whence)

	// past the declared length
	_, err = f.Int32()
	assert.True(t, errors.Is(err, dcap.ErrProtocolViolation))
}

func TestUnknownCommandCode(t *testing.T) {
	r := NewReader()
	f, err := r.ReadFrame(bytes.NewReader(rawFrame(4, 4242, nil)))
	require.NoError(t, err)
	assert.Equal(t, CmdUnknown, f.Code)
	assert.Equal(t, int32(4242), f.RawCode)

	// reply codes are not requests
	f, err = r.ReadFrame(bytes.NewReader(rawFrame(4, int32(CmdAck), nil)))
	require.NoError(t, err)
	assert.Equal(t, CmdUnknown, f.Code)
}
