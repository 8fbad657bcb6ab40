package proto

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"dcap"
)

// Frame is one command block received from a client. Its payload lives in
// the Reader's scratch buffer and is only valid until the next ReadFrame.
type Frame struct {
	Length  int
	RawCode int32
	Code    Command
	*Buffer
}

func (f *Frame) String() string {
	return fmt.Sprintf("RequestBlock [Size=%d Code=%d Left=%d]", f.Length, f.RawCode, f.Remaining())
}

// Reader reads length prefixed command frames into a fixed scratch region.
type Reader struct {
	buf   *Buffer
	frame Frame
}

func NewReader() *Reader {
	return NewReaderSize(dcap.CommandBlockSize)
}

func NewReaderSize(capacity int) *Reader {
	return &Reader{buf: NewBuffer(capacity)}
}

// ReadFrame reads the next frame from src. A length below four bytes or
// above the scratch capacity is a protocol violation; end of stream is
// reported as dcap.ErrPeerDisconnected.
func (r *Reader) ReadFrame(src io.Reader) (*Frame, error) {
	b := r.buf
	if err := b.ResetForRead(4); err != nil {
		return nil, err
	}
	if err := b.Fill(src); err != nil {
		return nil, err
	}
	b.Rewind()
	size, _ := b.Int32()
	if size < 4 {
		return nil, errors.Wrapf(dcap.ErrProtocolViolation, "command length %d < 4", size)
	}
	if int(size) > b.Cap() {
		return nil, errors.Wrapf(dcap.ErrProtocolViolation,
			"command size exceeded command block size: %d/%d", size, b.Cap())
	}
	if err := b.ResetForRead(int(size)); err != nil {
		return nil, err
	}
	if err := b.Fill(src); err != nil {
		return nil, err
	}
	b.Rewind()
	code, _ := b.Int32()

	r.frame = Frame{Length: int(size), RawCode: code, Code: ParseRequest(code), Buffer: b}
	return &r.frame, nil
}
