package mover

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"dcap"
	"dcap/checksum"
	"dcap/proto"
	"dcap/repository"
	"dcap/space"
)

// Params identify a transfer and carry its tunables.
type Params struct {
	Session dcap.SessionID
	Replica dcap.ReplicaID
	Mode    dcap.IoMode
	Options Options
}

// Result describes a finished transfer. It is returned together with the
// terminal error, if any.
type Result struct {
	BytesTransferred int64
	TransferTime     time.Duration
	WasModified      bool
	ClientChecksum   *checksum.Checksum
	ComputedChecksum *checksum.Checksum

	// set when the space bookkeeping did not match the final replica size
	SpaceError error
}

type state int

const (
	running state = iota
	closed
)

// Session moves data between one client connection and one replica. Run
// is driven by a single goroutine; the counters and status may be read
// concurrently.
type Session struct {
	Params
	channel repository.Channel
	port    space.Port
	log     *log.Entry

	conn  net.Conn
	in    *proto.Reader
	out   *proto.Writer
	buf   *proto.Buffer
	alloc *space.Allocation
	state state

	ioOk      bool
	ioFailure string
	changed   bool

	digest         *checksum.Accumulator
	clientChecksum *checksum.Checksum

	bytes           atomic.Int64
	started         atomic.Int64 // unix nanos
	lastTransferred atomic.Int64 // unix nanos
	transferTime    atomic.Duration
	status          atomic.String
}

// New prepares a session over ch. Space is drawn from port while writing;
// a nil port disables space accounting.
func New(p Params, ch repository.Channel, port space.Port) *Session {
	s := &Session{
		Params:  p,
		channel: ch,
		port:    port,
		ioOk:    true,
		log: log.WithFields(log.Fields{
			"session": p.Session,
			"replica": p.Replica,
		}),
	}
	s.bytes.Store(-1)
	s.transferTime.Store(-1)
	s.lastTransferred.Store(time.Now().UnixNano())
	s.status.Store("None")
	if p.Options.Checksum != 0 {
		d, err := checksum.NewAccumulator(p.Options.Checksum)
		if err != nil {
			s.log.Warnf("transfer checksum disabled: %v", err)
		}
		s.digest = d
	}
	return s
}

func (s *Session) String() string {
	if s.alloc == nil {
		return fmt.Sprintf("S=%s", s.Status())
	}
	return fmt.Sprintf("SM=%v;S=%s", s.alloc, s.Status())
}

func (s *Session) Status() string { return s.status.Load() }

func (s *Session) setStatus(st string) { s.status.Store(st) }

// BytesTransferred is -1 until the data connection is up.
func (s *Session) BytesTransferred() int64 { return s.bytes.Load() }

func (s *Session) LastTransferred() time.Time {
	return time.Unix(0, s.lastTransferred.Load())
}

// TransferTime is the elapsed time of a running transfer or the total time
// of a finished one.
func (s *Session) TransferTime() time.Duration {
	if d := s.transferTime.Load(); d >= 0 {
		return d
	}
	if st := s.started.Load(); st != 0 {
		return time.Since(time.Unix(0, st))
	}
	return 0
}

func (s *Session) addBytes(n int64) { s.bytes.Add(n) }

// markIoFailed makes the session refuse further transfers until the client
// seeks to the start of the replica.
func (s *Session) markIoFailed(reason string) {
	if s.ioOk {
		s.ioFailure = reason
	}
	s.ioOk = false
	s.log.Errorf("I/O failed: %s", reason)
}

func (s *Session) resetIoOk() {
	if !s.ioOk {
		s.log.Infof("I/O state reset by client (previous failure: %s)", s.ioFailure)
	}
	s.ioOk = true
	s.ioFailure = ""
}

// faultInjected reports whether the io-error threshold has been crossed.
func (s *Session) faultInjected() bool {
	return s.Options.IOErrorAfter > 0 && s.bytes.Load() > s.Options.IOErrorAfter
}

// Run serves the transfer on conn until the client closes it, the peer
// goes away, a fatal error occurs or ctx is cancelled. conn is closed on
// return.
//
// A session that saw a disk error returns dcap.ErrDiskIO whatever else
// happened; otherwise the cause that ended the command loop is returned,
// nil after a regular CLOSE.
func (s *Session) Run(ctx context.Context, conn net.Conn) (*Result, error) {
	s.conn = conn
	s.in = proto.NewReader()
	s.out = proto.NewWriter(conn)
	s.buf = newIoBuffer(s.Options.Buffers.IO)
	s.log.Infof("Using : Buffer Sizes (send/recv/io) : %v", s.Options.Buffers)

	size, err := s.channel.Size()
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(dcap.ErrDiskIO, "replica size: %v", err)
	}
	s.alloc = space.NewAllocation(s.port, s.Replica, size, s.Options.AllocIncrement)
	s.alloc.OnWait = func(n int64) { s.setStatus(fmt.Sprintf("WaitingForSpace(%d)", n)) }

	now := time.Now()
	s.started.Store(now.UnixNano())
	s.lastTransferred.Store(now.UnixNano())
	s.bytes.Store(0)

	// a blocked read or write on conn returns once the deadline passes
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	cause := s.serve(ctx)
	stop()
	return s.teardown(cause)
}

func newIoBuffer(size int) *proto.Buffer {
	if size <= 4 {
		size = dcap.MinIoBufferSize
	}
	return proto.NewBuffer(size)
}

// serve is the command loop.
func (s *Session) serve(ctx context.Context) error {
	for s.state == running {
		if ctx.Err() != nil {
			return errors.Wrap(dcap.ErrInterrupted, "Interrupted By Operator")
		}
		f, err := s.in.ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, dcap.ErrPeerDisconnected) {
				s.log.Debugf("Dataconnection closed by peer : %v", err)
			}
			return s.cause(ctx, err)
		}
		s.lastTransferred.Store(time.Now().UnixNano())
		s.log.Debugf("Request Block : %v", f)

		if err := s.dispatch(ctx, f); err != nil {
			return s.cause(ctx, err)
		}
	}
	return nil
}

// cause classifies an error that ends the command loop.
func (s *Session) cause(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return errors.Wrapf(dcap.ErrInterrupted, "%v", err)
	case errors.Is(err, dcap.ErrPeerDisconnected),
		errors.Is(err, dcap.ErrProtocolViolation),
		errors.Is(err, dcap.ErrInterrupted),
		errors.Is(err, dcap.ErrSpaceAllocation):
		return err
	default:
		// anything else comes from the socket
		return errors.Wrapf(dcap.ErrPeerDisconnected, "%v", err)
	}
}

func (s *Session) teardown(cause error) (*Result, error) {
	if err := s.conn.Close(); err != nil {
		s.log.Debugf("closing data connection: %v", err)
	}
	elapsed := s.TransferTime()
	s.transferTime.Store(elapsed)
	s.setStatus("Done")

	res := &Result{
		BytesTransferred: s.bytes.Load(),
		TransferTime:     elapsed,
		WasModified:      s.changed || s.alloc.WasModified(),
		ClientChecksum:   s.clientChecksum,
		ComputedChecksum: s.digest.Sum(),
	}
	s.log.Infof("(Transfer finished : %d bytes in %d seconds) ", res.BytesTransferred, int64(elapsed.Seconds()))

	if size, err := s.channel.Size(); err != nil {
		s.log.Errorf("replica size at close: %v", err)
	} else if err := s.alloc.Close(size); err != nil {
		s.log.Errorf("%v", err)
		res.SpaceError = err
	}

	// An EOF from the client cancels the transfer but must not disable
	// the pool; a disk error always does.
	if !s.ioOk {
		msg := s.ioFailure
		if cause != nil {
			msg += " " + cause.Error()
		}
		return res, errors.Wrapf(dcap.ErrDiskIO, "Disk I/O Error %s", msg)
	}
	if cause != nil {
		s.log.Warnf("Problem in command block : %v", cause)
	}
	return res, cause
}
