package client

import (
	"net"
	"net/rpc"

	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"dcap"
)

// Door receives the addresses pools announce for passive transfers.
type Door struct {
	l        net.Listener
	shutdown chan struct{}

	lock    sync.Mutex
	waiting map[dcap.SessionID]chan dcap.PassiveIoMessage
}

// NewDoor starts the Door RPC service on addr.
func NewDoor(addr string) (*Door, error) {
	d := &Door{
		shutdown: make(chan struct{}),
		waiting:  make(map[dcap.SessionID]chan dcap.PassiveIoMessage),
	}
	rpcs := rpc.NewServer()
	rpcs.RegisterName("Door", d)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	d.l = l

	go func() {
		for {
			conn, err := d.l.Accept()
			if err != nil {
				select {
				case <-d.shutdown:
					return
				default:
				}
				log.Error(err)
				continue
			}
			go func() {
				rpcs.ServeConn(conn)
				conn.Close()
			}()
		}
	}()
	return d, nil
}

func (d *Door) Address() dcap.ServerAddress {
	return dcap.ServerAddress(d.l.Addr().String())
}

func (d *Door) Shutdown() {
	select {
	case <-d.shutdown:
		return
	default:
	}
	close(d.shutdown)
	d.l.Close()
}

func (d *Door) expect(id dcap.SessionID) <-chan dcap.PassiveIoMessage {
	ch := make(chan dcap.PassiveIoMessage, 1)
	d.lock.Lock()
	d.waiting[id] = ch
	d.lock.Unlock()
	return ch
}

func (d *Door) forget(id dcap.SessionID) {
	d.lock.Lock()
	delete(d.waiting, id)
	d.lock.Unlock()
}

// RPCPassiveIo is called by a pool once it listens for the client of a
// passive transfer.
func (d *Door) RPCPassiveIo(args dcap.PassiveIoMessage, reply *dcap.PassiveIoReply) error {
	d.lock.Lock()
	ch, ok := d.waiting[args.Session]
	d.lock.Unlock()
	if !ok {
		log.Warnf("door: no client waiting for session %d", args.Session)
		return nil
	}
	select {
	case ch <- args:
	default:
	}
	return nil
}
