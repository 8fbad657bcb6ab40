package client

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"dcap"
	"dcap/proto"
	"dcap/util"
)

// Client drives a pool the way a door would: it starts movers over RPC and
// plays the client side of their data connections.
type Client struct {
	pool dcap.ServerAddress

	// address the pool connects back to in active mode
	Host string
	// door receiving passive addresses; nil allows active mode only
	Door *Door
}

var nextSession = atomic.NewInt32(rand.New(rand.NewSource(time.Now().UnixNano())).Int31n(1 << 20))

// NewClient returns a new dcap client.
func NewClient(pool dcap.ServerAddress) *Client {
	return &Client{
		pool: pool,
		Host: "127.0.0.1",
	}
}

func (c *Client) StartMover(arg dcap.StartMoverArg) (dcap.MoverID, error) {
	var reply dcap.StartMoverReply
	if err := util.Call(c.pool, "Pool.RPCStartMover", arg, &reply); err != nil {
		return 0, err
	}
	return reply.Mover, nil
}

// MoverInfo returns the state of a mover, waiting up to wait for it to end.
func (c *Client) MoverInfo(id dcap.MoverID, wait time.Duration) (dcap.MoverInfo, error) {
	var reply dcap.MoverInfoReply
	err := util.Call(c.pool, "Pool.RPCMoverInfo", dcap.MoverInfoArg{Mover: id, Wait: wait}, &reply)
	return reply.Info, err
}

func (c *Client) KillMover(id dcap.MoverID) (dcap.MoverInfo, error) {
	var reply dcap.KillMoverReply
	err := util.Call(c.pool, "Pool.RPCKillMover", dcap.KillMoverArg{Mover: id}, &reply)
	return reply.Info, err
}

func (c *Client) ListMovers() ([]dcap.MoverInfo, error) {
	var reply dcap.ListMoversReply
	err := util.Call(c.pool, "Pool.RPCListMovers", dcap.ListMoversArg{}, &reply)
	return reply.Movers, err
}

func (c *Client) ReportReplicas() (dcap.ReportReplicasReply, error) {
	var reply dcap.ReportReplicasReply
	err := util.Call(c.pool, "Pool.RPCReportReplicas", dcap.ReportReplicasArg{}, &reply)
	return reply, err
}

// Open starts a mover for replica and returns its data connection. With
// passive set the client connects to the pool, otherwise the pool
// connects to the client.
func (c *Client) Open(ctx context.Context, replica dcap.ReplicaID, mode dcap.IoMode, passive bool, options map[string]string) (*Conn, dcap.MoverID, error) {
	arg := dcap.StartMoverArg{
		Replica: replica,
		Mode:    mode,
		Session: dcap.SessionID(nextSession.Inc()),
		Passive: passive,
		Options: options,
	}
	if passive {
		return c.openPassive(ctx, arg)
	}
	return c.openActive(ctx, arg)
}

func (c *Client) openActive(ctx context.Context, arg dcap.StartMoverArg) (*Conn, dcap.MoverID, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(c.Host, "0"))
	if err != nil {
		return nil, 0, err
	}
	defer l.Close()
	arg.Client = dcap.ServerAddress(l.Addr().String())

	id, err := c.StartMover(arg)
	if err != nil {
		return nil, 0, err
	}
	conn, err := acceptSession(ctx, l, arg.Session)
	if err != nil {
		return nil, id, err
	}
	return newConn(conn), id, nil
}

// acceptSession waits for the pool to connect and introduce session.
func acceptSession(ctx context.Context, l net.Listener, session dcap.SessionID) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrapf(dcap.ErrInterrupted, "waiting for pool: %v", ctx.Err())
			}
			return nil, err
		}
		b := proto.NewBuffer(8)
		conn.SetReadDeadline(time.Now().Add(dcap.ConnectTimeout))
		if err := b.Fill(conn); err != nil {
			conn.Close()
			continue
		}
		conn.SetReadDeadline(time.Time{})
		b.Rewind()
		id, _ := b.Int32()
		if dcap.SessionID(id) != session {
			conn.Close()
			continue
		}
		return conn, nil
	}
}

func (c *Client) openPassive(ctx context.Context, arg dcap.StartMoverArg) (*Conn, dcap.MoverID, error) {
	if c.Door == nil {
		return nil, 0, errors.New("passive transfers need a door")
	}
	arg.Door = c.Door.Address()
	ch := c.Door.expect(arg.Session)
	defer c.Door.forget(arg.Session)

	id, err := c.StartMover(arg)
	if err != nil {
		return nil, 0, err
	}
	var msg dcap.PassiveIoMessage
	select {
	case msg = <-ch:
	case <-ctx.Done():
		return nil, id, errors.Wrapf(dcap.ErrInterrupted, "waiting for pool address: %v", ctx.Err())
	}
	conn, err := DialPassive(ctx, msg)
	if err != nil {
		return nil, id, err
	}
	return newConn(conn), id, nil
}

// DialPassive connects to the address a pool announced and presents the
// challenge.
func DialPassive(ctx context.Context, msg dcap.PassiveIoMessage) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(msg.Address))
	if err != nil {
		return nil, err
	}
	b := proto.NewBuffer(8 + len(msg.Challenge))
	b.PutInt32(int32(msg.Session))
	b.PutInt32(int32(len(msg.Challenge)))
	b.PutBytes(msg.Challenge)
	b.FlipToSend()
	if _, err := conn.Write(b.Window()); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
