package checksum

import (
	"crypto/md5"
	"hash/adler32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorSequential(t *testing.T) {
	a, err := NewAccumulator(Adler32)
	require.NoError(t, err)

	a.Update(0, []byte("hello "))
	a.Update(6, []byte("world"))

	want := adler32.Checksum([]byte("hello world"))
	sum := a.Sum()
	require.NotNil(t, sum)
	assert.Equal(t, Adler32, sum.Type)
	assert.Equal(t, []byte{byte(want >> 24), byte(want >> 16), byte(want >> 8), byte(want)}, sum.Value)
}

func TestAccumulatorRewriteDisables(t *testing.T) {
	a, err := NewAccumulator(MD5)
	require.NoError(t, err)
	a.Update(0, []byte("abcd"))
	// the client seeks back and resends the same bytes
	a.Update(0, []byte("abcd"))
	assert.Nil(t, a.Sum())
	assert.False(t, a.Enabled())

	a.Update(4, []byte("ef"))
	assert.Nil(t, a.Sum())
}

func TestAccumulatorGapDisables(t *testing.T) {
	a, err := NewAccumulator(MD4)
	require.NoError(t, err)
	a.Update(10, []byte("x"))
	assert.Nil(t, a.Sum())
}

func TestNilAccumulator(t *testing.T) {
	var a *Accumulator
	a.Update(0, []byte("ignored"))
	assert.Nil(t, a.Sum())
}

func TestChecksumString(t *testing.T) {
	sum := md5.Sum([]byte("x"))
	c := Checksum{Type: MD5, Value: sum[:]}
	parsed, err := Parse(c.String())
	require.NoError(t, err)
	assert.True(t, c.Equal(parsed))

	c = Checksum{Type: Adler32, Value: []byte{0x0a, 0x1b, 0x2c, 0x3d}}
	assert.Equal(t, "1:0a1b2c3d", c.String())

	_, err = Parse("nope")
	assert.Error(t, err)
	_, err = Parse("7:00")
	assert.Error(t, err)
}
