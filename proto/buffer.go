package proto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"dcap"
)

// Buffer is a fixed capacity byte region with a read/write cursor and a
// limit, replacing raw index arithmetic with bounds checked accessors.
// Multi-byte values are big-endian.
type Buffer struct {
	data  []byte
	pos   int
	limit int
}

func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), limit: capacity}
}

func (b *Buffer) Cap() int       { return len(b.data) }
func (b *Buffer) Position() int  { return b.pos }
func (b *Buffer) Limit() int     { return b.limit }
func (b *Buffer) Remaining() int { return b.limit - b.pos }

// Clear makes the whole capacity available for writing.
func (b *Buffer) Clear() {
	b.pos, b.limit = 0, len(b.data)
}

// ResetForRead prepares the buffer to receive exactly n bytes.
func (b *Buffer) ResetForRead(n int) error {
	if n < 0 || n > len(b.data) {
		return errors.Wrapf(dcap.ErrProtocolViolation,
			"block size %d exceeds buffer capacity %d", n, len(b.data))
	}
	b.pos, b.limit = 0, n
	return nil
}

// FlipToSend turns what has been written so far into the readable region.
func (b *Buffer) FlipToSend() {
	b.limit = b.pos
	b.pos = 0
}

func (b *Buffer) Rewind() { b.pos = 0 }

func (b *Buffer) SetPosition(p int) error {
	if p < 0 || p > b.limit {
		return errors.Wrapf(dcap.ErrProtocolViolation, "position %d outside [0,%d]", p, b.limit)
	}
	b.pos = p
	return nil
}

// Window returns the unread region [position, limit) without copying.
func (b *Buffer) Window() []byte { return b.data[b.pos:b.limit] }

// Fill reads from r until the region [position, limit) is full. End of
// stream before that is reported as ErrPeerDisconnected.
func (b *Buffer) Fill(r io.Reader) error {
	n, err := io.ReadFull(r, b.data[b.pos:b.limit])
	b.pos += n
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(dcap.ErrPeerDisconnected, "EOF on input socket after %d bytes", n)
	}
	return err
}

func (b *Buffer) take(n int) ([]byte, error) {
	if n < 0 || b.pos+n > b.limit {
		return nil, errors.Wrapf(dcap.ErrProtocolViolation,
			"need %d bytes, %d left in block", n, b.limit-b.pos)
	}
	p := b.data[b.pos : b.pos+n]
	b.pos += n
	return p, nil
}

func (b *Buffer) Int32() (int32, error) {
	p, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(p)), nil
}

func (b *Buffer) Int64() (int64, error) {
	p, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func (b *Buffer) Uint16() (uint16, error) {
	p, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

// Bytes returns a copy of the next n bytes.
func (b *Buffer) Bytes(n int) ([]byte, error) {
	p, err := b.take(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

func (b *Buffer) Skip(n int) error {
	_, err := b.take(n)
	return err
}

func (b *Buffer) PutInt32(v int32) error {
	p, err := b.take(4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(p, uint32(v))
	return nil
}

func (b *Buffer) PutInt64(v int64) error {
	p, err := b.take(8)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(p, uint64(v))
	return nil
}

func (b *Buffer) PutBytes(v []byte) error {
	p, err := b.take(len(v))
	if err != nil {
		return err
	}
	copy(p, v)
	return nil
}

// PutUTF writes a u16 length followed by the utf-8 bytes, truncated to
// what the length field can express.
func (b *Buffer) PutUTF(s string) error {
	if len(s) > 0xffff {
		s = s[:0xffff]
	}
	p, err := b.take(2 + len(s))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(p, uint16(len(s)))
	copy(p[2:], s)
	return nil
}

// UTF reads what PutUTF wrote.
func (b *Buffer) UTF() (string, error) {
	n, err := b.Uint16()
	if err != nil {
		return "", err
	}
	p, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// SetInt32At overwrites four bytes at an absolute offset without moving
// the cursor.
func (b *Buffer) SetInt32At(off int, v int32) error {
	if off < 0 || off+4 > len(b.data) {
		return errors.Wrapf(dcap.ErrProtocolViolation, "offset %d outside buffer", off)
	}
	binary.BigEndian.PutUint32(b.data[off:], uint32(v))
	return nil
}
