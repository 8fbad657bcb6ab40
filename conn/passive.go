package conn

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/proto"
)

// longest challenge a connecting client may present
const maxChallenge = 1024

// Pool is the listener shared by all passive transfers of a process.
// Clients identify themselves with the session id and the challenge the
// pool handed to their door; connections nobody waits for are dropped.
type Pool struct {
	l          net.Listener
	recvBuffer int
	timeout    time.Duration

	lock    sync.Mutex
	waiting map[dcap.SessionID]*waiter
	closed  chan struct{}
	wg      sync.WaitGroup
}

type waiter struct {
	challenge []byte
	ch        chan net.Conn
}

// Listen opens the shared listener on addr (":0" for any port).
// recvBuffer is applied to every accepted connection.
func Listen(addr string, recvBuffer int) (*Pool, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "passive listener")
	}
	p := &Pool{
		l:          l,
		recvBuffer: recvBuffer,
		timeout:    dcap.ConnectTimeout,
		waiting:    make(map[dcap.SessionID]*waiter),
		closed:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.serve()
	log.Infof("passive data connections on %v", l.Addr())
	return p, nil
}

func (p *Pool) Addr() net.Addr { return p.l.Addr() }

func (p *Pool) Port() int {
	if a, ok := p.l.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
	}
	close(p.closed)
	err := p.l.Close()
	p.wg.Wait()
	return err
}

func (p *Pool) serve() {
	defer p.wg.Done()
	for {
		c, err := p.l.Accept()
		if err != nil {
			select {
			case <-p.closed:
				return
			default:
			}
			log.Errorf("passive accept: %v", err)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handshake(c)
		}()
	}
}

// handshake reads [i32 session][i32 n][n bytes challenge] and hands the
// connection to the transfer waiting for it.
func (p *Pool) handshake(c net.Conn) {
	c.SetReadDeadline(time.Now().Add(p.timeout))
	id, challenge, err := readChallenge(c)
	if err != nil {
		log.Warnf("passive connection from %v dropped: %v", c.RemoteAddr(), err)
		c.Close()
		return
	}
	c.SetReadDeadline(time.Time{})
	tune(c, 0, p.recvBuffer)

	// handed over under the lock so a withdrawing transfer either never
	// sees the connection or finds it in its channel
	p.lock.Lock()
	w, ok := p.waiting[id]
	if ok && bytes.Equal(w.challenge, challenge) {
		delete(p.waiting, id)
		w.ch <- c
	} else {
		ok = false
	}
	p.lock.Unlock()

	if !ok {
		log.Warnf("passive connection from %v: no transfer for session %d with that challenge", c.RemoteAddr(), id)
		c.Close()
	}
}

func readChallenge(c net.Conn) (dcap.SessionID, []byte, error) {
	b := proto.NewBuffer(8)
	if err := b.Fill(c); err != nil {
		return 0, nil, err
	}
	b.Rewind()
	id, _ := b.Int32()
	n, _ := b.Int32()
	if n < 0 || n > maxChallenge {
		return 0, nil, errors.Wrapf(dcap.ErrProtocolViolation, "challenge length %d", n)
	}
	cb := proto.NewBuffer(int(n))
	if err := cb.Fill(c); err != nil {
		return 0, nil, err
	}
	cb.Rewind()
	challenge, _ := cb.Bytes(int(n))
	return dcap.SessionID(id), challenge, nil
}

// register announces a transfer waiting for its client. The returned
// function withdraws it and closes a connection that arrived too late.
func (p *Pool) register(id dcap.SessionID, challenge []byte) (<-chan net.Conn, func(), error) {
	w := &waiter{challenge: challenge, ch: make(chan net.Conn, 1)}
	p.lock.Lock()
	defer p.lock.Unlock()
	if _, ok := p.waiting[id]; ok {
		return nil, nil, errors.Errorf("session %d already waiting for a connection", id)
	}
	p.waiting[id] = w
	cancel := func() {
		p.lock.Lock()
		if p.waiting[id] == w {
			delete(p.waiting, id)
		}
		p.lock.Unlock()
		select {
		case c := <-w.ch:
			c.Close()
		default:
		}
	}
	return w.ch, cancel, nil
}

// Notifier tells the door of a passive transfer where to send its client.
type Notifier interface {
	NotifyPassive(door dcap.ServerAddress, msg dcap.PassiveIoMessage) error
}

// Passive waits on a shared Pool for the client to connect.
type Passive struct {
	Pool     *Pool
	Notifier Notifier
	Door     dcap.ServerAddress
	Self     dcap.ServerAddress // pool identity reported to the door

	// Host advertised to clients; by default the local address used to
	// reach the door.
	Host    string
	Timeout time.Duration
}

func (p *Passive) Establish(ctx context.Context, params Params) (net.Conn, error) {
	challenge := []byte(uuid.New().String())
	ch, cancel, err := p.Pool.register(params.Session, challenge)
	if err != nil {
		return nil, err
	}
	defer cancel()

	host := p.Host
	if host == "" {
		host = localAddressFor(p.Door)
	}
	addr := dcap.ServerAddress(net.JoinHostPort(host, strconv.Itoa(p.Pool.Port())))
	msg := dcap.PassiveIoMessage{Pool: p.Self, Session: params.Session, Address: addr, Challenge: challenge}
	log.Infof("waiting for client to connect (%v)", addr)
	if err := p.Notifier.NotifyPassive(p.Door, msg); err != nil {
		return nil, errors.Wrapf(err, "notifying door %v", p.Door)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = dcap.ConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-ch:
		tune(c, params.SendBuffer, 0)
		return c, nil
	case <-timer.C:
		return nil, errors.Wrapf(dcap.ErrConnectTimeout, "session %d after %v", params.Session, timeout)
	case <-ctx.Done():
		return nil, errors.Wrapf(dcap.ErrInterrupted, "waiting for client: %v", ctx.Err())
	}
}

// localAddressFor returns the local ip that routes to remote, falling back
// to loopback.
func localAddressFor(remote dcap.ServerAddress) string {
	c, err := net.Dial("udp", string(remote))
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()
	if a, ok := c.LocalAddr().(*net.UDPAddr); ok && !a.IP.IsUnspecified() {
		return a.IP.String()
	}
	return "127.0.0.1"
}
