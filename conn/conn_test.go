package conn

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcap"
)

func TestActiveSendsSessionID(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	got := make(chan []byte, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		b := make([]byte, 8)
		io.ReadFull(c, b)
		got <- b
	}()

	c, err := Active{Timeout: time.Second}.Establish(context.Background(), Params{
		Session: 4242,
		Client:  dcap.ServerAddress(l.Addr().String()),
	})
	require.NoError(t, err)
	defer c.Close()

	b := <-got
	assert.Equal(t, int32(4242), int32(binary.BigEndian.Uint32(b[:4])))
	assert.Equal(t, int32(0), int32(binary.BigEndian.Uint32(b[4:])))
}

func TestActiveInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Active{}.Establish(ctx, Params{Client: "127.0.0.1:1"})
	assert.ErrorIs(t, err, dcap.ErrInterrupted)
}

type notifier chan dcap.PassiveIoMessage

func (n notifier) NotifyPassive(door dcap.ServerAddress, msg dcap.PassiveIoMessage) error {
	n <- msg
	return nil
}

type failingNotifier struct{}

func (failingNotifier) NotifyPassive(dcap.ServerAddress, dcap.PassiveIoMessage) error {
	return errors.New("door gone")
}

func dialPassive(t *testing.T, addr dcap.ServerAddress, id dcap.SessionID, challenge []byte) net.Conn {
	c, err := net.Dial("tcp", string(addr))
	require.NoError(t, err)
	b := make([]byte, 8+len(challenge))
	binary.BigEndian.PutUint32(b, uint32(id))
	binary.BigEndian.PutUint32(b[4:], uint32(len(challenge)))
	copy(b[8:], challenge)
	_, err = c.Write(b)
	require.NoError(t, err)
	return c
}

func TestPassiveChallenge(t *testing.T) {
	pool, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pool.Close()

	n := make(notifier, 1)
	p := &Passive{Pool: pool, Notifier: n, Door: "127.0.0.1:1", Self: "pool-a", Host: "127.0.0.1", Timeout: 5 * time.Second}

	type result struct {
		c   net.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := p.Establish(context.Background(), Params{Session: 7})
		done <- result{c, err}
	}()

	msg := <-n
	assert.Equal(t, dcap.SessionID(7), msg.Session)
	assert.Equal(t, dcap.ServerAddress("pool-a"), msg.Pool)
	assert.Len(t, msg.Challenge, 36)

	// wrong challenge is dropped, the transfer keeps waiting
	bad := dialPassive(t, msg.Address, 7, []byte("not the challenge"))
	one := make([]byte, 1)
	_, err = bad.Read(one)
	assert.Error(t, err)
	bad.Close()

	good := dialPassive(t, msg.Address, 7, msg.Challenge)
	defer good.Close()

	r := <-done
	require.NoError(t, r.err)
	defer r.c.Close()

	_, err = good.Write([]byte("ping"))
	require.NoError(t, err)
	b := make([]byte, 4)
	_, err = io.ReadFull(r.c, b)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(b))
}

func TestPassiveTimeout(t *testing.T) {
	pool, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pool.Close()

	p := &Passive{Pool: pool, Notifier: make(notifier, 1), Host: "127.0.0.1", Timeout: 50 * time.Millisecond}
	_, err = p.Establish(context.Background(), Params{Session: 1})
	assert.ErrorIs(t, err, dcap.ErrConnectTimeout)

	// the session can be registered again
	p.Timeout = 10 * time.Millisecond
	_, err = p.Establish(context.Background(), Params{Session: 1})
	assert.ErrorIs(t, err, dcap.ErrConnectTimeout)
}

func TestPassiveInterrupted(t *testing.T) {
	pool, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := &Passive{Pool: pool, Notifier: make(notifier, 1), Host: "127.0.0.1"}
	_, err = p.Establish(ctx, Params{Session: 2})
	assert.ErrorIs(t, err, dcap.ErrInterrupted)
}

func TestPassiveNotifyFailure(t *testing.T) {
	pool, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pool.Close()

	p := &Passive{Pool: pool, Notifier: failingNotifier{}, Host: "127.0.0.1"}
	_, err = p.Establish(context.Background(), Params{Session: 3})
	assert.ErrorContains(t, err, "door gone")

	_, _, err = pool.register(3, nil)
	assert.NoError(t, err)
}

func TestPassiveLateConnectionClosed(t *testing.T) {
	pool, err := Listen("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer pool.Close()

	challenge := []byte("late")
	_, cancel, err := pool.register(9, challenge)
	require.NoError(t, err)

	c := dialPassive(t, dcap.ServerAddress(pool.Addr().String()), 9, challenge)
	defer c.Close()
	require.Eventually(t, func() bool {
		pool.lock.Lock()
		defer pool.lock.Unlock()
		_, waiting := pool.waiting[9]
		return !waiting
	}, time.Second, 5*time.Millisecond)

	// the transfer gave up after the client got through
	cancel()
	c.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
