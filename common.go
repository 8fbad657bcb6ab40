package dcap

import (
	"fmt"
	"strings"
	"time"
)

type ServerAddress string
type ReplicaID string
type SessionID int32
type MoverID int64

// Path of the replica data file relative to the pool root. Replica ids are
// opaque to the mover but must not escape the data directory.
func (id ReplicaID) Valid() bool {
	s := string(id)
	return s != "" && !strings.ContainsAny(s, "/\\") && s != "." && s != ".."
}

type IoMode int

const (
	ModeRead IoMode = iota
	ModeWrite
)

func (m IoMode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

type ErrorCode int

// Legacy return codes as seen by dcap clients.
const (
	Success                ErrorCode = 0
	UnknownCommand         ErrorCode = 9
	SeekFailed             ErrorCode = 6
	ProtocolViolationShort ErrorCode = 43
	ProtocolViolation      ErrorCode = 44
	ErrorIoDisk            ErrorCode = 204
	LocateFailed           ErrorCode = -1
	IllegalArgument        ErrorCode = -1
)

// extended error type with error code
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Err, e.Code)
}

// system config
const (
	// space requested from the pool each time a write crosses the
	// allocated boundary
	DefaultAllocIncrement = 50 * 1024 * 1024

	// capacity of the command scratch buffer; larger frames are rejected
	CommandBlockSize = 16384

	// fallback io buffer if the configured one cannot be used
	MinIoBufferSize = 32 * 1024

	DefaultSendBufferSize = 256 * 1024
	DefaultRecvBufferSize = 256 * 1024
	DefaultIoBufferSize   = 256 * 1024
	MaxSendBufferSize     = 1024 * 1024
	MaxRecvBufferSize     = 1024 * 1024
	MaxIoBufferSize       = 1024 * 1024

	ConnectTimeout  = 60 * time.Second
	ShutdownTimeout = 5 * time.Second
)
