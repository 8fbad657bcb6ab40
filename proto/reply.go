package proto

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"dcap"
)

// Reply is a control frame sent by the mover, as seen by a client.
type Reply struct {
	Kind     Command // CmdAck, CmdFin or CmdData
	Cmd      Command
	Code     dcap.ErrorCode
	Message  string
	Position int64
	Size     int64
}

func (r *Reply) Err() error {
	if r.Code == dcap.Success {
		return nil
	}
	return dcap.Error{Code: r.Code, Err: fmt.Sprintf("%v %v: %s", r.Kind, r.Cmd, r.Message)}
}

// ReadReply reads one ACK, FIN or DATA frame.
func (r *Reader) ReadReply(src io.Reader) (*Reply, error) {
	f, err := r.ReadFrame(src)
	if err != nil {
		return nil, err
	}
	reply := &Reply{Kind: Command(f.RawCode)}
	switch reply.Kind {
	case CmdData:
		return reply, nil
	case CmdAck, CmdFin:
	default:
		return nil, errors.Wrapf(dcap.ErrProtocolViolation, "unexpected reply code %d", f.RawCode)
	}
	cmd, err := f.Int32()
	if err != nil {
		return nil, err
	}
	rc, err := f.Int32()
	if err != nil {
		return nil, err
	}
	reply.Cmd, reply.Code = Command(cmd), dcap.ErrorCode(rc)
	if reply.Code != dcap.Success {
		if f.Remaining() >= 2 {
			reply.Message, err = f.UTF()
		}
		return reply, err
	}
	if reply.Kind == CmdAck {
		switch reply.Cmd {
		case CmdSeek:
			reply.Position, err = f.Int64()
		case CmdLocate:
			if reply.Size, err = f.Int64(); err == nil {
				reply.Position, err = f.Int64()
			}
		}
	}
	return reply, err
}

// ReadChunkLength reads the four byte length that precedes every piece of a
// data chain.
func ReadChunkLength(src io.Reader) (int32, error) {
	b := Buffer{data: make([]byte, 4), limit: 4}
	if err := b.Fill(src); err != nil {
		return 0, err
	}
	b.Rewind()
	return b.Int32()
}
