package proto

import (
	"io"
	"net"
	"unicode/utf8"

	"dcap"
)

// replies never exceed this, whatever the message length
const controlBlockSize = 1024

// Writer serializes control frames onto the data connection. Every method
// emits exactly one frame with a single Write call, except Chunk which hands
// header and payload to the connection as one vectored write.
type Writer struct {
	w   io.Writer
	buf *Buffer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: NewBuffer(dcap.CommandBlockSize + 4)}
}

// frame builds [len][code] followed by whatever fill writes and sends it.
func (w *Writer) frame(code Command, fill func(b *Buffer) error) error {
	b := w.buf
	b.Clear()
	if err := b.PutInt32(0); err != nil {
		return err
	}
	if err := b.PutInt32(int32(code)); err != nil {
		return err
	}
	if fill != nil {
		if err := fill(b); err != nil {
			return err
		}
	}
	if err := b.SetInt32At(0, int32(b.Position()-4)); err != nil {
		return err
	}
	b.FlipToSend()
	_, err := w.w.Write(b.Window())
	return err
}

func (w *Writer) reply(kind, cmd Command, rc dcap.ErrorCode, msg string) error {
	return w.frame(kind, func(b *Buffer) error {
		if err := b.PutInt32(int32(cmd)); err != nil {
			return err
		}
		if err := b.PutInt32(int32(rc)); err != nil {
			return err
		}
		if rc == dcap.Success {
			return nil
		}
		if room := controlBlockSize - b.Position() - 2; len(msg) > room {
			for room > 0 && !utf8.RuneStart(msg[room]) {
				room--
			}
			msg = msg[:room]
		}
		return b.PutUTF(msg)
	})
}

func (w *Writer) Ack(cmd Command) error {
	return w.reply(CmdAck, cmd, dcap.Success, "")
}

func (w *Writer) AckError(cmd Command, rc dcap.ErrorCode, msg string) error {
	return w.reply(CmdAck, cmd, rc, msg)
}

func (w *Writer) Fin(cmd Command) error {
	return w.reply(CmdFin, cmd, dcap.Success, "")
}

func (w *Writer) FinError(cmd Command, rc dcap.ErrorCode, msg string) error {
	return w.reply(CmdFin, cmd, rc, msg)
}

// AckSeek reports the file position reached by a SEEK.
func (w *Writer) AckSeek(position int64) error {
	return w.frame(CmdAck, func(b *Buffer) error {
		b.PutInt32(int32(CmdSeek))
		b.PutInt32(int32(dcap.Success))
		return b.PutInt64(position)
	})
}

// AckLocate reports replica size and current position.
func (w *Writer) AckLocate(size, position int64) error {
	return w.frame(CmdAck, func(b *Buffer) error {
		b.PutInt32(int32(CmdLocate))
		b.PutInt32(int32(dcap.Success))
		b.PutInt64(size)
		return b.PutInt64(position)
	})
}

func (w *Writer) DataHeader() error {
	return w.frame(CmdData, nil)
}

func (w *Writer) marker(v int32) error {
	b := w.buf
	b.Clear()
	b.PutInt32(v)
	b.FlipToSend()
	_, err := w.w.Write(b.Window())
	return err
}

func (w *Writer) DataTrailer() error { return w.marker(EndOfData) }
func (w *Writer) EndOfBlock() error  { return w.marker(EndOfData) }

// Chunk sends one length prefixed piece of a data chain.
func (w *Writer) Chunk(p []byte) error {
	var hdr [4]byte
	hb := &Buffer{data: hdr[:], limit: 4}
	hb.PutInt32(int32(len(p)))
	bufs := net.Buffers{hdr[:], p}
	_, err := bufs.WriteTo(w.w)
	return err
}

// ChunkLength sends a bare chunk length; the payload follows separately.
// Zero announces nothing and negative values end a write burst.
func (w *Writer) ChunkLength(n int32) error { return w.marker(n) }

// SendPrefixed sends b as one chunk whose first four bytes are reserved for
// the length prefix, so a data chunk read straight into an I/O buffer goes
// out with a single write.
func (w *Writer) SendPrefixed(b *Buffer) error {
	if err := b.SetInt32At(0, int32(b.Limit()-4)); err != nil {
		return err
	}
	b.Rewind()
	_, err := w.w.Write(b.Window())
	return err
}

// Request sends a client command frame; used by the peer side of the
// protocol.
func (w *Writer) Request(cmd Command, fill func(b *Buffer) error) error {
	return w.frame(cmd, fill)
}
