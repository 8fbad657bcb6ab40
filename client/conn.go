package client

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"dcap"
	"dcap/checksum"
	"dcap/proto"
)

// Conn is the client end of a data connection. It is not safe for
// concurrent use.
type Conn struct {
	c   net.Conn
	in  *proto.Reader
	out *proto.Writer

	// largest chunk sent by Write
	ChunkSize int
}

const defaultChunkSize = 64 * 1024

func newConn(c net.Conn) *Conn {
	return &Conn{
		c:         c,
		in:        proto.NewReader(),
		out:       proto.NewWriter(c),
		ChunkSize: defaultChunkSize,
	}
}

func (c *Conn) Raw() net.Conn { return c.c }

func (c *Conn) request(cmd proto.Command, args ...interface{}) error {
	return c.out.Request(cmd, func(b *proto.Buffer) error {
		for _, a := range args {
			var err error
			switch v := a.(type) {
			case int32:
				err = b.PutInt32(v)
			case int64:
				err = b.PutInt64(v)
			case []byte:
				err = b.PutBytes(v)
			default:
				err = errors.Errorf("bad argument %T", a)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// expect reads a reply and checks it answers cmd; an error return code is
// returned as dcap.Error.
func (c *Conn) expect(kind, cmd proto.Command) (*proto.Reply, error) {
	r, err := c.in.ReadReply(c.c)
	if err != nil {
		return nil, err
	}
	if r.Kind != kind || (kind != proto.CmdData && r.Cmd != cmd) {
		return r, errors.Wrapf(dcap.ErrProtocolViolation, "expected %v %v, got %v %v", kind, cmd, r.Kind, r.Cmd)
	}
	return r, r.Err()
}

func (c *Conn) sendBurst(data []byte) error {
	if err := c.out.Request(proto.CmdData, nil); err != nil {
		return err
	}
	for len(data) > 0 {
		n := len(data)
		if n > c.ChunkSize {
			n = c.ChunkSize
		}
		if err := c.out.Chunk(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return c.out.ChunkLength(proto.EndOfData)
}

// readChain appends the chunks of a data chain to dst until the end marker
// or, if limit >= 0, until limit bytes have arrived.
func (c *Conn) readChain(dst []byte, limit int64) ([]byte, error) {
	var got int64
	for limit < 0 || got < limit {
		n, err := proto.ReadChunkLength(c.c)
		if err != nil {
			return dst, err
		}
		if n < 0 {
			return dst, nil
		}
		start := len(dst)
		dst = append(dst, make([]byte, n)...)
		if _, err := io.ReadFull(c.c, dst[start:]); err != nil {
			return dst, errors.Wrapf(dcap.ErrPeerDisconnected, "reading chunk: %v", err)
		}
		got += int64(n)
	}
	return dst, nil
}

// Write appends data at the current position.
func (c *Conn) Write(data []byte) error {
	if err := c.request(proto.CmdWrite); err != nil {
		return err
	}
	if _, err := c.expect(proto.CmdAck, proto.CmdWrite); err != nil {
		return err
	}
	if err := c.sendBurst(data); err != nil {
		return err
	}
	_, err := c.expect(proto.CmdFin, proto.CmdWrite)
	return err
}

// Read reads up to n bytes from the current position.
func (c *Conn) Read(n int64) ([]byte, error) {
	if err := c.request(proto.CmdRead, n); err != nil {
		return nil, err
	}
	return c.readReply(proto.CmdRead)
}

func (c *Conn) readReply(cmd proto.Command) ([]byte, error) {
	if _, err := c.expect(proto.CmdAck, cmd); err != nil {
		return nil, err
	}
	if _, err := c.expect(proto.CmdData, cmd); err != nil {
		return nil, err
	}
	data, err := c.readChain(nil, -1)
	if err != nil {
		return data, err
	}
	_, err = c.expect(proto.CmdFin, cmd)
	return data, err
}

// Seek moves the position and returns the new one.
func (c *Conn) Seek(offset int64, whence proto.Whence) (int64, error) {
	if err := c.request(proto.CmdSeek, offset, int32(whence)); err != nil {
		return 0, err
	}
	r, err := c.expect(proto.CmdAck, proto.CmdSeek)
	if err != nil {
		return 0, err
	}
	return r.Position, nil
}

func (c *Conn) SeekAndRead(offset int64, whence proto.Whence, n int64) ([]byte, error) {
	if err := c.request(proto.CmdSeekAndRead, offset, int32(whence), n); err != nil {
		return nil, err
	}
	return c.readReply(proto.CmdSeekAndRead)
}

func (c *Conn) SeekAndWrite(offset int64, whence proto.Whence, data []byte) error {
	if err := c.request(proto.CmdSeekAndWrite, offset, int32(whence)); err != nil {
		return err
	}
	if _, err := c.expect(proto.CmdAck, proto.CmdSeekAndWrite); err != nil {
		return err
	}
	if err := c.sendBurst(data); err != nil {
		return err
	}
	_, err := c.expect(proto.CmdFin, proto.CmdSeekAndWrite)
	return err
}

// Locate returns the replica size and the current position.
func (c *Conn) Locate() (size, position int64, err error) {
	if err := c.request(proto.CmdLocate); err != nil {
		return 0, 0, err
	}
	r, err := c.expect(proto.CmdAck, proto.CmdLocate)
	if err != nil {
		return 0, 0, err
	}
	return r.Size, r.Position, nil
}

type Range struct {
	Offset int64
	Count  int32
}

// Readv reads several ranges in one round trip. The vector reply carries
// no end marker, so the replica size is fetched first to know how much
// data will arrive.
func (c *Conn) Readv(ranges []Range) ([]byte, error) {
	size, _, err := c.Locate()
	if err != nil {
		return nil, err
	}
	var want int64
	args := []interface{}{int32(len(ranges))}
	for _, r := range ranges {
		args = append(args, r.Offset, r.Count)
		if end := r.Offset + int64(r.Count); r.Offset < size {
			if end > size {
				end = size
			}
			want += end - r.Offset
		}
	}
	if err := c.request(proto.CmdReadv, args...); err != nil {
		return nil, err
	}
	if _, err := c.expect(proto.CmdAck, proto.CmdReadv); err != nil {
		return nil, err
	}
	if _, err := c.expect(proto.CmdData, proto.CmdReadv); err != nil {
		return nil, err
	}
	data, err := c.readChain(nil, want)
	if err != nil {
		return data, err
	}
	_, err = c.expect(proto.CmdFin, proto.CmdReadv)
	return data, err
}

// Close ends the transfer, optionally asserting the checksum of the data
// written. The connection is closed on return.
func (c *Conn) Close(sum *checksum.Checksum) error {
	defer c.c.Close()
	var args []interface{}
	if sum != nil {
		args = append(args, int32(8+len(sum.Value)), proto.CloseBlockCRC, int32(sum.Type), sum.Value)
	}
	if err := c.request(proto.CmdClose, args...); err != nil {
		return err
	}
	_, err := c.expect(proto.CmdAck, proto.CmdClose)
	return err
}
