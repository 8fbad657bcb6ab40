package mover

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dcap/checksum"
)

func TestParseOptions(t *testing.T) {
	opts := ParseOptions(map[string]string{
		"send":       "64k",
		"receive":    "4MiB",
		"bsize":      "131072",
		"alloc-size": "10MiB",
		"io-error":   "1000",
		"checksum":   "md5",
	}, DefaultBuffers, MaxBuffers)

	assert.Equal(t, Buffers{Send: 64 * 1024, Recv: 1024 * 1024, IO: 128 * 1024}, opts.Buffers)
	assert.Equal(t, int64(10*1024*1024), opts.AllocIncrement)
	assert.Equal(t, int64(1000), opts.IOErrorAfter)
	assert.Equal(t, checksum.MD5, opts.Checksum)
}

func TestParseOptionsIgnoresBadValues(t *testing.T) {
	opts := ParseOptions(map[string]string{
		"send":       "lots",
		"alloc-size": "0",
		"io-error":   "-1",
		"checksum":   "crc64",
	}, DefaultBuffers, MaxBuffers)

	assert.Equal(t, DefaultBuffers, opts.Buffers)
	assert.Zero(t, opts.AllocIncrement)
	assert.Zero(t, opts.IOErrorAfter)
	assert.Zero(t, opts.Checksum)
}

func TestBuffersClamp(t *testing.T) {
	b := Buffers{Send: 10, Recv: 2000, IO: 0}.Clamp(Buffers{Send: 100, Recv: 1000, IO: 1000})
	assert.Equal(t, Buffers{Send: 10, Recv: 1000, IO: 0}, b)
	assert.Equal(t, "10/1000/0", b.String())
}
