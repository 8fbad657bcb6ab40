package mover

import (
	"context"

	"github.com/pkg/errors"

	"dcap"
	"dcap/proto"
)

// dispatch serves one command frame. A returned error ends the session.
func (s *Session) dispatch(ctx context.Context, f *proto.Frame) error {
	switch f.Code {
	case proto.CmdWrite:
		return s.write(ctx)
	case proto.CmdRead:
		return s.read(ctx, f)
	case proto.CmdSeek:
		return s.seekCmd(ctx, f)
	case proto.CmdSeekAndRead:
		return s.seekAndRead(ctx, f)
	case proto.CmdSeekAndWrite:
		return s.seekAndWrite(ctx, f)
	case proto.CmdClose:
		return s.close(f)
	case proto.CmdLocate:
		return s.locate()
	case proto.CmdReadv:
		return s.readv(ctx, f)
	default:
		return s.out.AckError(proto.CmdInvalid, dcap.UnknownCommand, "Invalid mover command : "+f.String())
	}
}

// badRequest answers a command whose arguments do not fit its frame and
// ends the session.
func (s *Session) badRequest(cmd proto.Command, err error) error {
	err = errors.Wrapf(err, "%v arguments", cmd)
	if werr := s.out.AckError(cmd, dcap.ProtocolViolation, err.Error()); werr != nil {
		s.log.Debugf("reporting protocol violation: %v", werr)
	}
	return err
}
