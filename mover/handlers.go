package mover

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"dcap"
	"dcap/checksum"
	"dcap/proto"
)

func (s *Session) finish(cmd proto.Command, failure string) error {
	if s.ioOk {
		return s.out.Fin(cmd)
	}
	s.log.Errorf("FIN : %v failed (IO not ok)", cmd)
	return s.out.FinError(cmd, dcap.ErrorIoDisk, failure)
}

func (s *Session) deny(cmd proto.Command, msg string) error {
	s.log.Error(msg)
	return s.out.AckError(cmd, dcap.ErrorIoDisk, msg)
}

func (s *Session) write(ctx context.Context) error {
	if !s.ioOk {
		return s.deny(proto.CmdWrite, "WRITE denied (IO not ok)")
	}
	if s.Mode != dcap.ModeWrite {
		return s.deny(proto.CmdWrite, "WRITE denied (not allowed)")
	}
	if err := s.out.Ack(proto.CmdWrite); err != nil {
		return err
	}
	if err := s.receive(ctx, true); err != nil {
		return err
	}
	return s.finish(proto.CmdWrite, "[2]Problem in writing")
}

func (s *Session) read(ctx context.Context, f *proto.Frame) error {
	blockSize, err := f.Int64()
	if err != nil {
		return s.badRequest(proto.CmdRead, err)
	}
	s.log.Debugf("READ byte=%d", blockSize)
	if !s.ioOk {
		return s.deny(proto.CmdRead, "ACK : READ denied (IO not ok)")
	}
	if err := s.out.Ack(proto.CmdRead); err != nil {
		return err
	}
	if err := s.send(ctx, blockSize); err != nil {
		return err
	}
	return s.finish(proto.CmdRead, "FIN : READ failed (IO not ok)")
}

func seekArgs(f *proto.Frame) (offset int64, whence proto.Whence, err error) {
	if offset, err = f.Int64(); err != nil {
		return
	}
	w, err := f.Int32()
	return offset, proto.Whence(w), err
}

func (s *Session) seekCmd(ctx context.Context, f *proto.Frame) error {
	offset, whence, err := seekArgs(f)
	if err != nil {
		return s.badRequest(proto.CmdSeek, err)
	}
	if err := s.seek(ctx, whence, offset); err != nil {
		if errors.Is(err, dcap.ErrInterrupted) {
			return err
		}
		return s.out.AckError(proto.CmdSeek, dcap.SeekFailed, "SEEK failed : "+err.Error())
	}
	if !s.ioOk {
		s.log.Error("SEEK failed : IOError ")
		return s.out.AckError(proto.CmdSeek, dcap.SeekFailed, "SEEK failed : IOError ")
	}
	pos, err := s.channel.Position()
	if err != nil {
		return s.out.AckError(proto.CmdSeek, dcap.SeekFailed, "SEEK failed : "+err.Error())
	}
	return s.out.AckSeek(pos)
}

func (s *Session) seekAndRead(ctx context.Context, f *proto.Frame) error {
	offset, whence, err := seekArgs(f)
	if err != nil {
		return s.badRequest(proto.CmdSeekAndRead, err)
	}
	blockSize, err := f.Int64()
	if err != nil {
		return s.badRequest(proto.CmdSeekAndRead, err)
	}
	if !s.ioOk {
		return s.deny(proto.CmdSeekAndRead, "SEEK_AND_READ denied : IOError ")
	}
	if err := s.out.Ack(proto.CmdSeekAndRead); err != nil {
		return err
	}
	if err := s.seek(ctx, whence, offset); err != nil {
		if errors.Is(err, dcap.ErrInterrupted) {
			return err
		}
		return s.out.FinError(proto.CmdSeekAndRead, dcap.SeekFailed, "SEEK_AND_READ failed : "+err.Error())
	}
	if s.ioOk {
		if err := s.send(ctx, blockSize); err != nil {
			return err
		}
	}
	return s.finish(proto.CmdSeekAndRead, "FIN : SEEK_READ failed (IO not ok)")
}

func (s *Session) seekAndWrite(ctx context.Context, f *proto.Frame) error {
	offset, whence, err := seekArgs(f)
	if err != nil {
		return s.badRequest(proto.CmdSeekAndWrite, err)
	}
	if !s.ioOk {
		return s.deny(proto.CmdSeekAndWrite, "SEEK_AND_WRITE denied : IOError")
	}
	if s.Mode != dcap.ModeWrite {
		return s.deny(proto.CmdSeekAndWrite, "SEEK_AND_WRITE denied (not allowed)")
	}
	if err := s.out.Ack(proto.CmdSeekAndWrite); err != nil {
		return err
	}
	if err := s.seek(ctx, whence, offset); err != nil {
		if errors.Is(err, dcap.ErrInterrupted) {
			return err
		}
		// the client sends its data regardless; keep the stream in step
		if err := s.receive(ctx, false); err != nil {
			return err
		}
		return s.out.FinError(proto.CmdSeekAndWrite, dcap.SeekFailed, "SEEK_AND_WRITE failed : "+err.Error())
	}
	if s.ioOk {
		if err := s.receive(ctx, true); err != nil {
			return err
		}
	}
	return s.finish(proto.CmdSeekAndWrite, "SEEK_AND_WRITE failed : IOError")
}

func (s *Session) locate() error {
	pos, err := s.channel.Position()
	if err != nil {
		return s.out.AckError(proto.CmdLocate, dcap.LocateFailed, err.Error())
	}
	size, err := s.channel.Size()
	if err != nil {
		return s.out.AckError(proto.CmdLocate, dcap.LocateFailed, err.Error())
	}
	s.log.Debugf("LOCATE : size=%d;position=%d", size, pos)
	return s.out.AckLocate(size, pos)
}

type ioRange struct {
	offset int64
	count  int32
}

func (s *Session) readv(ctx context.Context, f *proto.Frame) error {
	blocks, err := f.Int32()
	if err != nil {
		return s.badRequest(proto.CmdReadv, err)
	}
	if blocks < 0 || int(blocks)*12 > f.Remaining() {
		return s.badRequest(proto.CmdReadv,
			errors.Wrapf(dcap.ErrProtocolViolation, "%d ranges in %d bytes", blocks, f.Remaining()))
	}
	ranges := make([]ioRange, blocks)
	var bad error
	for i := range ranges {
		ranges[i].offset, _ = f.Int64()
		ranges[i].count, _ = f.Int32()
		if bad == nil && (ranges[i].offset < 0 || ranges[i].count < 0) {
			bad = errors.Errorf("illegal range %d/%d", ranges[i].offset, ranges[i].count)
		}
	}
	if bad != nil {
		// a bad range is the client's fault and leaves the I/O state alone
		s.log.Errorf("READV failed : %v", bad)
		return s.out.AckError(proto.CmdReadv, dcap.IllegalArgument, "READV failed : "+bad.Error())
	}
	if !s.ioOk {
		return s.deny(proto.CmdReadv, "ACK : READV denied (IO not ok)")
	}
	if err := s.out.Ack(proto.CmdReadv); err != nil {
		return err
	}
	if err := s.sendVector(ctx, ranges); err != nil {
		return err
	}
	return s.finish(proto.CmdReadv, "FIN : READV failed (IO not ok)")
}

func (s *Session) close(f *proto.Frame) error {
	s.state = closed
	var err error
	if s.ioOk {
		err = s.out.Ack(proto.CmdClose)
	} else {
		err = s.out.AckError(proto.CmdClose, dcap.ErrorIoDisk, "IOError")
	}
	for f.Remaining() > 4 {
		if serr := s.scanCloseBlock(f); serr != nil {
			s.log.Errorf("Problem in close block %v", serr)
			break
		}
	}
	return err
}

// scanCloseBlock reads one sub-block of a CLOSE request:
//
//	i32 size of what follows
//	i32 type (1 = checksum)
//	i32 checksum type, size-8 bytes digest   (checksum blocks only)
func (s *Session) scanCloseBlock(f *proto.Frame) error {
	blockSize, err := f.Int32()
	if err != nil {
		return err
	}
	if blockSize < 4 {
		return errors.Errorf("Not a valid block size in close: %d", blockSize)
	}
	mode, err := f.Int32()
	if err != nil {
		return err
	}
	if mode != proto.CloseBlockCRC {
		s.log.Errorf("Unknown block mode (%d) in close", mode)
		return f.Skip(int(blockSize) - 4)
	}
	if blockSize < 8 {
		return errors.Errorf("checksum block too short: %d", blockSize)
	}
	crcType, err := f.Int32()
	if err != nil {
		return err
	}
	digest, err := f.Bytes(int(blockSize) - 8)
	if err != nil {
		return err
	}
	s.clientChecksum = &checksum.Checksum{Type: checksum.Type(crcType), Value: digest}
	s.log.Debugf("client checksum %v", s.clientChecksum)
	return nil
}

type capacity interface {
	Total() int64
}

// seek moves the replica position. A failed seek leaves the position where
// it was and never marks the I/O state failed; only an interrupted space
// allocation is fatal.
func (s *Session) seek(ctx context.Context, whence proto.Whence, offset int64) error {
	size, err := s.channel.Size()
	if err != nil {
		return err
	}
	pos, err := s.channel.Position()
	if err != nil {
		return err
	}
	var target int64
	switch whence {
	case proto.SeekSet:
		s.log.Debugf("SEEK %d SEEK_SET", offset)
		// the way for a client to recover from a reported I/O error
		if offset == 0 {
			s.resetIoOk()
		}
		target = offset
	case proto.SeekCurrent:
		s.log.Debugf("SEEK %d SEEK_CURRENT", offset)
		target = pos + offset
	case proto.SeekEnd:
		s.log.Debugf("SEEK %d SEEK_END", offset)
		target = size + offset
	default:
		err = errors.Errorf("Invalid seek mode : %d", int32(whence))
	}
	if err == nil && target < 0 {
		err = errors.Errorf("Seek before start of file (%d)", target)
	}
	if err == nil && target > size && s.Mode != dcap.ModeWrite {
		err = errors.New("Seek beyond EOF not allowed (write not allowed)")
	}
	if c, ok := s.port.(capacity); ok && err == nil && target > size && target > c.Total() {
		err = errors.Errorf("Seek beyond pool capacity (%d > %d)", target, c.Total())
	}
	if err == nil {
		err = s.alloc.EnsureCapacity(ctx, target)
	}
	if err == nil {
		// seeking past the end does not move the end, so nothing is
		// recorded as used
		err = s.channel.SetPosition(target)
	}
	if err != nil {
		s.log.Errorf("Problem in seek : %v", err)
	}
	return err
}

// readChunkLength reads the length preceding each piece of a write burst.
func (s *Session) readChunkLength() (int32, error) {
	s.buf.ResetForRead(4)
	if err := s.buf.Fill(s.conn); err != nil {
		return 0, err
	}
	s.buf.Rewind()
	return s.buf.Int32()
}

func (s *Session) expectData() error {
	f, err := s.in.ReadFrame(s.conn)
	if err != nil {
		return err
	}
	if f.Code != proto.CmdData {
		return errors.Wrapf(dcap.ErrProtocolViolation, "Expecting : %d; got : %d", proto.CmdData, f.RawCode)
	}
	return nil
}

// receive stores a write burst at the current position. The whole burst is
// always consumed from the socket; once the disk fails the remaining data
// is discarded and the failure is reported in the FIN. With store unset
// the burst is only consumed.
func (s *Session) receive(ctx context.Context, store bool) error {
	if err := s.expectData(); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return errors.Wrap(dcap.ErrInterrupted, "write interrupted")
		}
		s.setStatus("WaitingForSize")
		n, err := s.readChunkLength()
		if err != nil {
			return err
		}
		s.log.Debugf("Next data block : %d bytes", n)
		if n == 0 {
			continue
		}
		if n < 0 {
			break
		}

		var position int64
		if store && s.ioOk {
			if position, err = s.channel.Position(); err != nil {
				s.markIoFailed(fmt.Sprintf("position: %v", err))
			}
		}
		if store && s.ioOk {
			if err := s.alloc.EnsureCapacity(ctx, position+int64(n)); err != nil {
				return err
			}
			s.changed = true
		}

		var added int64
		for rest := int(n); rest > 0; {
			size := rest
			if size > s.buf.Cap() {
				size = s.buf.Cap()
			}
			s.setStatus("WaitingForInput")
			s.buf.ResetForRead(size)
			if err := s.buf.Fill(s.conn); err != nil {
				return err
			}
			if store && s.ioOk {
				s.setStatus("WaitingForWrite")
				s.buf.Rewind()
				p := s.buf.Window()
				if _, err := s.channel.WriteAt(p, position+added); err != nil {
					s.markIoFailed(fmt.Sprintf("writing data to disk: %v", err))
				} else {
					s.digest.Update(position+added, p)
					added += int64(size)
				}
			}
			rest -= size
			s.addBytes(int64(size))
			if store && s.ioOk && s.faultInjected() {
				s.markIoFailed("injected I/O error")
			}
		}
		if added > 0 {
			if err := s.channel.SetPosition(position + added); err != nil {
				s.markIoFailed(fmt.Sprintf("position: %v", err))
			}
			s.alloc.RecordWrittenUpTo(position + added)
		}
		s.log.Debug("Block Done")
	}
	s.setStatus("Done")
	return nil
}

// readChunk reads up to the io buffer capacity minus the length prefix at
// off into the buffer, leaving it ready for SendPrefixed. A zero count means
// end of data.
func (s *Session) readChunk(off int64, want int64) (int, error) {
	room := int64(s.buf.Cap() - 4)
	if want > room {
		want = room
	}
	s.buf.ResetForRead(int(want) + 4)
	s.buf.SetPosition(4)
	n, err := s.channel.ReadAt(s.buf.Window(), off)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	s.buf.ResetForRead(n + 4)
	return n, nil
}

// send streams up to blockSize bytes from the current position as a data
// chain.
func (s *Session) send(ctx context.Context, blockSize int64) error {
	if err := s.out.DataHeader(); err != nil {
		return err
	}
	if blockSize == 0 {
		return s.out.EndOfBlock()
	}
	pos, err := s.channel.Position()
	if err != nil {
		s.markIoFailed(fmt.Sprintf("position: %v", err))
	}
	for rest := blockSize; s.ioOk && rest > 0 && ctx.Err() == nil; {
		n, err := s.readChunk(pos, rest)
		if err != nil {
			s.markIoFailed(fmt.Sprintf("reading data from disk: %v", err))
			break
		}
		if n == 0 {
			break
		}
		if err := s.out.SendPrefixed(s.buf); err != nil {
			return err
		}
		pos += int64(n)
		if err := s.channel.SetPosition(pos); err != nil {
			s.markIoFailed(fmt.Sprintf("position: %v", err))
		}
		rest -= int64(n)
		s.addBytes(int64(n))
		if s.faultInjected() {
			s.markIoFailed("injected I/O error")
		}
	}
	return s.out.DataTrailer()
}

// sendVector streams each range as length prefixed chunks. A range is cut
// short at end of file or on a disk error; later ranges are still served.
func (s *Session) sendVector(ctx context.Context, ranges []ioRange) error {
	if err := s.out.DataHeader(); err != nil {
		return err
	}
	s.log.Debugf("READV: %d to read", len(ranges))
	for _, r := range ranges {
		s.log.Debugf("READV: offset/len: %d/%d", r.offset, r.count)
		for done := int64(0); done < int64(r.count) && ctx.Err() == nil; {
			n, err := s.readChunk(r.offset+done, int64(r.count)-done)
			if err != nil {
				s.markIoFailed(fmt.Sprintf("READV: %v", err))
				break
			}
			if n == 0 {
				break
			}
			if err := s.out.SendPrefixed(s.buf); err != nil {
				return err
			}
			done += int64(n)
			s.addBytes(int64(n))
		}
	}
	return nil
}
