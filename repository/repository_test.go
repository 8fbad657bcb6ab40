package repository

import (
	"io"
	"os"
	"path"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcap"
)

func TestFileChannel(t *testing.T) {
	p := path.Join(t.TempDir(), "f")
	c, err := OpenFile(p, dcap.ModeWrite)
	require.NoError(t, err)
	defer c.Close()

	n, err := c.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	size, err := c.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	buf := make([]byte, 8)
	n, err = c.ReadAt(buf, 6)
	assert.NoError(t, err)
	assert.Equal(t, "6789", string(buf[:n]))

	n, err = c.ReadAt(buf, 10)
	assert.Equal(t, io.EOF, err)
	assert.Zero(t, n)

	require.NoError(t, c.SetPosition(8))
	require.NoError(t, c.Truncate(5))
	pos, _ := c.Position()
	assert.Equal(t, int64(5), pos)
	assert.Error(t, c.SetPosition(-1))
}

func TestReadOnlyChannelRejectsWrite(t *testing.T) {
	p := path.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	c, err := OpenFile(p, dcap.ModeRead)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.WriteAt([]byte("y"), 0)
	assert.Error(t, err)
}

func TestRepositoryExclusiveWriter(t *testing.T) {
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	c, err := r.OpenChannel("r1", dcap.ModeWrite)
	require.NoError(t, err)
	assert.True(t, r.Writing("r1"))

	_, err = r.OpenChannel("r1", dcap.ModeWrite)
	assert.True(t, errors.Is(err, dcap.ErrReplicaBusy))

	// readers are not excluded
	rc, err := r.OpenChannel("r1", dcap.ModeRead)
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, c.Close())
	assert.False(t, r.Writing("r1"))
	c, err = r.OpenChannel("r1", dcap.ModeWrite)
	require.NoError(t, err)
	c.Close()

	_, err = r.OpenChannel("../escape", dcap.ModeWrite)
	assert.Error(t, err)
	_, err = r.OpenChannel("missing", dcap.ModeRead)
	assert.Error(t, err)
}

func TestRepositoryMetadataPersists(t *testing.T) {
	root := t.TempDir()
	r, err := Open(root)
	require.NoError(t, err)

	c, err := r.OpenChannel("r1", dcap.ModeWrite)
	require.NoError(t, err)
	c.WriteAt([]byte("abc"), 0)
	c.Close()
	require.NoError(t, r.Update(ReplicaInfo{ID: "r1", ClientChecksum: "1:00000001"}))
	require.NoError(t, r.Update(ReplicaInfo{ID: "gone"}))
	require.NoError(t, r.Close())

	r, err = Open(root)
	require.NoError(t, err)
	defer r.Close()

	info, err := r.Info("r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.Equal(t, "1:00000001", info.ClientChecksum)
	assert.False(t, info.Modified.IsZero())

	_, ok, err := r.meta.Get("gone")
	require.NoError(t, err)
	assert.False(t, ok, "record without data file should be dropped")

	infos, err := r.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	total, err := r.TotalSize()
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}
