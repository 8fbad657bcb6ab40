package dcap

import (
	"github.com/pkg/errors"
)

// Terminal causes of a transfer. Callers classify with errors.Is; the
// concrete error is usually wrapped with context.
var (
	ErrProtocolViolation       = errors.New("protocol violation")
	ErrDiskIO                  = errors.New("disk I/O error")
	ErrPeerDisconnected        = errors.New("data connection closed by peer")
	ErrInterrupted             = errors.New("interrupted")
	ErrAllocationInconsistency = errors.New("space allocation inconsistent with replica size")
	ErrSpaceAllocation         = errors.New("space allocation failed")

	ErrConnectTimeout = errors.New("timeout waiting for data connection")
	ErrNoSpace        = errors.New("request exceeds pool capacity")
	ErrReplicaBusy    = errors.New("replica is open for writing")
	ErrPoolDegraded   = errors.New("pool is disabled after a disk error")
	ErrUnknownMover   = errors.New("unknown mover")
)

// ErrorCodeOf maps a terminal cause to the code reported to doors and clients.
func ErrorCodeOf(err error) ErrorCode {
	var e Error
	switch {
	case err == nil:
		return Success
	case errors.As(err, &e):
		return e.Code
	case errors.Is(err, ErrProtocolViolation):
		return ProtocolViolation
	case errors.Is(err, ErrDiskIO):
		return ErrorIoDisk
	default:
		return ErrorCode(-1)
	}
}
