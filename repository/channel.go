package repository

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"dcap"
)

// Channel is a seekable, byte addressable view of a replica's data.
// Reads and writes at an explicit offset do not move the position; the
// position is what relative seeks and sequential transfers start from.
type Channel interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Position() (int64, error)
	SetPosition(pos int64) error
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileChannel is a Channel backed by a file on local disk.
type FileChannel struct {
	f   *os.File
	pos int64
}

// OpenFile opens path read-only, or read-write (creating it) in write mode.
func OpenFile(path string, mode dcap.IoMode) (*FileChannel, error) {
	var f *os.File
	var err error
	if mode == dcap.ModeWrite {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	} else {
		f, err = os.Open(path)
	}
	if err != nil {
		return nil, err
	}
	return &FileChannel{f: f}, nil
}

// ReadAt returns what is available at off; a short read at end of file is
// not an error, and io.EOF is only returned when nothing could be read.
func (c *FileChannel) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (c *FileChannel) WriteAt(p []byte, off int64) (int, error) {
	return c.f.WriteAt(p, off)
}

func (c *FileChannel) Position() (int64, error) { return c.pos, nil }

func (c *FileChannel) SetPosition(pos int64) error {
	if pos < 0 {
		return errors.Errorf("negative position %d", pos)
	}
	c.pos = pos
	return nil
}

func (c *FileChannel) Size() (int64, error) {
	info, err := c.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *FileChannel) Truncate(size int64) error {
	if err := c.f.Truncate(size); err != nil {
		return err
	}
	if c.pos > size {
		c.pos = size
	}
	return nil
}

func (c *FileChannel) Sync() error { return c.f.Sync() }

func (c *FileChannel) Close() error { return c.f.Close() }
