package conn

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/proto"
)

// Establisher sets up the data connection of one transfer.
type Establisher interface {
	Establish(ctx context.Context, p Params) (net.Conn, error)
}

// Params describe the data connection a door negotiated with its client.
type Params struct {
	Session dcap.SessionID

	// active: where the client waits for the pool
	Client dcap.ServerAddress

	// socket buffer sizes, 0 for the system default
	SendBuffer int
	RecvBuffer int
}

// Active connects to the client and introduces the transfer by its
// session id.
type Active struct {
	Timeout time.Duration
}

func (a Active) Establish(ctx context.Context, p Params) (net.Conn, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = dcap.ConnectTimeout
	}
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", string(p.Client))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(dcap.ErrInterrupted, "connecting to %v: %v", p.Client, err)
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.Wrapf(dcap.ErrConnectTimeout, "connecting to %v", p.Client)
		}
		return nil, errors.Wrapf(err, "connecting to %v", p.Client)
	}
	tune(c, p.SendBuffer, p.RecvBuffer)
	log.Debugf("Socket OPEN remote = %v local = %v", c.RemoteAddr(), c.LocalAddr())
	log.Infof("Connected to %v", p.Client)

	// the session id and our (for now) 0 byte security challenge
	b := proto.NewBuffer(8)
	b.PutInt32(int32(p.Session))
	b.PutInt32(0)
	b.FlipToSend()
	if _, err := c.Write(b.Window()); err != nil {
		c.Close()
		return nil, errors.Wrapf(dcap.ErrPeerDisconnected, "sending session id: %v", err)
	}
	return c, nil
}

func tune(c net.Conn, send, recv int) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetNoDelay(true)
	if send > 0 {
		tc.SetWriteBuffer(send)
	}
	if recv > 0 {
		tc.SetReadBuffer(recv)
	}
}
