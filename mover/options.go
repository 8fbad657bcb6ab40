package mover

import (
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/checksum"
)

// Buffers holds socket and disk buffer sizes of one transfer. Zero socket
// sizes leave the operating system defaults in place.
type Buffers struct {
	Send int
	Recv int
	IO   int
}

var (
	DefaultBuffers = Buffers{dcap.DefaultSendBufferSize, dcap.DefaultRecvBufferSize, dcap.DefaultIoBufferSize}
	MaxBuffers     = Buffers{dcap.MaxSendBufferSize, dcap.MaxRecvBufferSize, dcap.MaxIoBufferSize}
)

func (b Buffers) String() string {
	return fmt.Sprintf("%d/%d/%d", b.Send, b.Recv, b.IO)
}

// Clamp limits every size to the one in max.
func (b Buffers) Clamp(max Buffers) Buffers {
	return Buffers{
		Send: clamp(b.Send, max.Send),
		Recv: clamp(b.Recv, max.Recv),
		IO:   clamp(b.IO, max.IO),
	}
}

func clamp(v, max int) int {
	if max > 0 && v > max {
		return max
	}
	return v
}

// Options are the per transfer tunables.
type Options struct {
	Buffers Buffers

	// space requested per allocation step, 0 for the pool default
	AllocIncrement int64

	// Fault injection for testing clients: once more than IOErrorAfter bytes
	// have been transferred the session behaves as if the disk failed.
	// 0 disables it.
	IOErrorAfter int64

	// digest computed over written data, 0 for none
	Checksum checksum.Type
}

// ParseOptions reads the legacy option keys a door passes along with a
// transfer: send, receive and bsize for buffer sizes, alloc-size, io-error
// and checksum. Sizes accept units ("64k", "50MiB"). Bad values are logged
// and ignored.
func ParseOptions(keys map[string]string, def, max Buffers) Options {
	opts := Options{Buffers: def}

	size := func(key string, set func(int64)) {
		v, ok := keys[key]
		if !ok {
			return
		}
		n, err := units.RAMInBytes(strings.TrimSpace(v))
		if err != nil {
			log.Infof("Options : %s = %q ....Ignoring", key, v)
			return
		}
		set(n)
	}
	size("send", func(n int64) { opts.Buffers.Send = int(n) })
	size("receive", func(n int64) { opts.Buffers.Recv = int(n) })
	size("bsize", func(n int64) { opts.Buffers.IO = int(n) })
	size("alloc-size", func(n int64) {
		if n <= 0 {
			// negative allocation requested
			log.Infof("Options : alloc-space = %d ....Ignoring", n)
			return
		}
		opts.AllocIncrement = n
		log.Infof("Options : alloc-space = %d", n)
	})
	size("io-error", func(n int64) { opts.IOErrorAfter = n })
	if v, ok := keys["checksum"]; ok {
		t, err := checksum.ParseType(v)
		if err != nil {
			log.Infof("Options : %v ....Ignoring", err)
		} else {
			opts.Checksum = t
		}
	}
	opts.Buffers = opts.Buffers.Clamp(max)
	return opts
}
