package proto

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcap"
)

func be32(vs ...int32) []byte {
	var out []byte
	for _, v := range vs {
		out = append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return out
}

func be64(v int64) []byte {
	return append(be32(int32(v>>32)), be32(int32(v))...)
}

func TestControlFrameLayout(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	require.NoError(t, w.Ack(CmdWrite))
	assert.Equal(t, be32(12, 6, 1, 0), out.Bytes())
	out.Reset()

	require.NoError(t, w.Fin(CmdReadv))
	assert.Equal(t, be32(12, 7, 13, 0), out.Bytes())
	out.Reset()

	require.NoError(t, w.FinError(CmdWrite, dcap.ErrorIoDisk, "oops"))
	want := append(be32(18, 7, 1, 204), 0, 4, 'o', 'o', 'p', 's')
	assert.Equal(t, want, out.Bytes())
	out.Reset()

	require.NoError(t, w.AckSeek(1234))
	assert.Equal(t, append(be32(20, 6, 3, 0), be64(1234)...), out.Bytes())
	out.Reset()

	require.NoError(t, w.AckLocate(1000, 10))
	want = append(be32(28, 6, 9, 0), be64(1000)...)
	assert.Equal(t, append(want, be64(10)...), out.Bytes())
	out.Reset()

	require.NoError(t, w.DataHeader())
	assert.Equal(t, be32(4, 8), out.Bytes())
	out.Reset()

	require.NoError(t, w.DataTrailer())
	require.NoError(t, w.EndOfBlock())
	assert.Equal(t, be32(-1, -1), out.Bytes())
	out.Reset()

	require.NoError(t, w.Chunk([]byte{9, 8, 7}))
	assert.Equal(t, append(be32(3), 9, 8, 7), out.Bytes())
}

func TestLongMessageTruncated(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.AckError(CmdRead, dcap.ErrorIoDisk, string(bytes.Repeat([]byte("x"), 5000))))
	assert.Equal(t, controlBlockSize, out.Len())

	r := NewReader()
	reply, err := r.ReadReply(&out)
	require.NoError(t, err)
	assert.Equal(t, CmdAck, reply.Kind)
	assert.Equal(t, CmdRead, reply.Cmd)
	assert.Equal(t, dcap.ErrorIoDisk, reply.Code)
	assert.Len(t, reply.Message, controlBlockSize-18)
	assert.Error(t, reply.Err())
}

func TestTruncationKeepsRunesWhole(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	require.NoError(t, w.AckError(CmdRead, dcap.ErrorIoDisk, "x"+strings.Repeat("é", 3000)))

	reply, err := NewReader().ReadReply(&out)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(reply.Message))
	assert.Len(t, reply.Message, controlBlockSize-19)
}

func TestReplyParsing(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	w.AckLocate(77, 5)
	w.AckSeek(99)
	w.DataHeader()
	w.Fin(CmdRead)

	r := NewReader()
	reply, err := r.ReadReply(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(77), reply.Size)
	assert.Equal(t, int64(5), reply.Position)

	reply, err = r.ReadReply(&out)
	require.NoError(t, err)
	assert.Equal(t, CmdSeek, reply.Cmd)
	assert.Equal(t, int64(99), reply.Position)

	reply, err = r.ReadReply(&out)
	require.NoError(t, err)
	assert.Equal(t, CmdData, reply.Kind)

	reply, err = r.ReadReply(&out)
	require.NoError(t, err)
	assert.Equal(t, CmdFin, reply.Kind)
	assert.NoError(t, reply.Err())
}

func TestSendPrefixed(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	b := NewBuffer(16)
	require.NoError(t, b.ResetForRead(4+3))
	require.NoError(t, b.SetPosition(4))
	copy(b.Window(), []byte{1, 2, 3})
	require.NoError(t, w.SendPrefixed(b))
	assert.Equal(t, append(be32(3), 1, 2, 3), out.Bytes())

	n, err := ReadChunkLength(bytes.NewReader(out.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, int32(3), n)
}
