package proto

import "fmt"

// Command is a dcap mover command code.
type Command int32

const (
	CmdUnknown      Command = -1
	CmdWrite        Command = 1
	CmdRead         Command = 2
	CmdSeek         Command = 3
	CmdClose        Command = 4
	CmdInterrupt    Command = 5
	CmdAck          Command = 6
	CmdFin          Command = 7
	CmdData         Command = 8
	CmdLocate       Command = 9
	CmdSeekAndRead  Command = 11
	CmdSeekAndWrite Command = 12
	CmdReadv        Command = 13

	// command code used in the reply to an unrecognised request
	CmdInvalid Command = 666
)

var commandNames = map[Command]string{
	CmdWrite:        "WRITE",
	CmdRead:         "READ",
	CmdSeek:         "SEEK",
	CmdClose:        "CLOSE",
	CmdInterrupt:    "INTERRUPT",
	CmdAck:          "ACK",
	CmdFin:          "FIN",
	CmdData:         "DATA",
	CmdLocate:       "LOCATE",
	CmdSeekAndRead:  "SEEK_AND_READ",
	CmdSeekAndWrite: "SEEK_AND_WRITE",
	CmdReadv:        "READV",
	CmdInvalid:      "INVALID",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(c))
}

// ParseRequest maps a raw code received from a client to one of the request
// commands the mover serves. Anything else, including reply codes, is
// CmdUnknown.
func ParseRequest(code int32) Command {
	switch c := Command(code); c {
	case CmdWrite, CmdRead, CmdSeek, CmdClose, CmdLocate,
		CmdSeekAndRead, CmdSeekAndWrite, CmdReadv, CmdData:
		return c
	default:
		return CmdUnknown
	}
}

// Whence selects the origin of a seek offset.
type Whence int32

const (
	SeekSet     Whence = 0
	SeekCurrent Whence = 1
	SeekEnd     Whence = 2
)

func (w Whence) String() string {
	switch w {
	case SeekSet:
		return "SEEK_SET"
	case SeekCurrent:
		return "SEEK_CURRENT"
	case SeekEnd:
		return "SEEK_END"
	}
	return fmt.Sprintf("SEEK_%d", int32(w))
}

// Close sub-block types.
const (
	CloseBlockCRC int32 = 1
)

// length value terminating a data chain
const EndOfData int32 = -1
