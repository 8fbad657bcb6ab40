package pool

import (
	"context"
	"net"
	"net/rpc"
	"os"
	"sort"
	"strconv"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"dcap"
	"dcap/checksum"
	"dcap/conn"
	"dcap/mover"
	"dcap/repository"
	"dcap/space"
	"dcap/util"
)

// how often finished movers are pruned
const housekeepingInterval = 5 * time.Second

// Pool serves replicas of one storage root to dcap clients. Doors start
// movers over net/rpc; each mover owns one data connection.
type Pool struct {
	address  dcap.ServerAddress
	cfg      Config
	l        net.Listener
	shutdown chan struct{}

	repo    *repository.Repository
	space   *space.Pool
	passive *conn.Pool
	door    conn.Notifier
	metrics *metrics

	allocIncrement int64
	transferSum    checksum.Type
	buffers        mover.Buffers
	maxBuffers     mover.Buffers

	// set after a disk error; write movers are refused from then on
	degraded atomic.Bool

	nextID     atomic.Int64
	movers     map[dcap.MoverID]*moverEntry
	moversLock sync.RWMutex
	wg         sync.WaitGroup
}

type moverEntry struct {
	id      dcap.MoverID
	arg     dcap.StartMoverArg
	session *mover.Session
	cancel  context.CancelFunc
	done    chan struct{}

	// valid once done is closed
	result   *mover.Result
	err      error
	finished time.Time
}

func (e *moverEntry) isDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// NewAndServe starts a pool and returns the pointer to it.
func NewAndServe(cfg Config) (*Pool, error) {
	cfg.SetDefaultIfNotDefined()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	capacity, _ := cfg.capacity()
	p := &Pool{
		address:  dcap.ServerAddress(cfg.Address),
		cfg:      cfg,
		shutdown: make(chan struct{}),
		space:    space.NewPool(capacity),
		door:     rpcNotifier{},
		movers:   make(map[dcap.MoverID]*moverEntry),
	}
	p.allocIncrement, _ = cfg.allocIncrement()
	p.transferSum, _ = cfg.transferChecksum()
	p.buffers, p.maxBuffers = cfg.Mover.Buffers()

	info, err := os.Stat(cfg.Root)
	if err != nil {
		log.Info("Root not found, creating...")
	} else if !info.IsDir() {
		return nil, errors.Errorf("Root %s is not a directory", cfg.Root)
	}
	if p.repo, err = repository.Open(cfg.Root); err != nil {
		return nil, err
	}
	used, err := p.repo.TotalSize()
	if err != nil {
		p.repo.Close()
		return nil, err
	}
	p.space.Account(used)

	p.passive, err = conn.Listen(net.JoinHostPort("", strconv.Itoa(cfg.PassivePort)), p.buffers.Recv)
	if err != nil {
		p.repo.Close()
		return nil, err
	}

	rpcs := rpc.NewServer()
	rpcs.RegisterName("Pool", p)
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		p.passive.Close()
		p.repo.Close()
		return nil, errors.Wrap(err, "listen")
	}
	p.l = l
	if cfg.Address == cfg.Listen {
		p.address = dcap.ServerAddress(l.Addr().String())
	}

	p.metrics = newMetrics(p)
	if cfg.MetricsListen != "" {
		p.metrics.serve(cfg.MetricsListen)
	}

	// RPC Handler
	go func() {
		for {
			select {
			case <-p.shutdown:
				return
			default:
			}
			c, err := p.l.Accept()
			if err == nil {
				go func() {
					rpcs.ServeConn(c)
					c.Close()
				}()
			} else {
				// if the pool is shut down, ignores connection error
				if !p.isDead() {
					log.Error(err)
				}
			}
		}
	}()

	// Housekeeping
	go func() {
		ticker := time.NewTicker(housekeepingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.shutdown:
				return
			case <-ticker.C:
			}
			p.pruneMovers(time.Now().Add(-p.cfg.MoverRetention.Duration))
		}
	}()

	log.Infof("Pool is now running. addr = %v, root path = %v, capacity = %d, used = %d",
		p.address, cfg.Root, capacity, used)
	return p, nil
}

func (p *Pool) Address() dcap.ServerAddress { return p.address }

func (p *Pool) isDead() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// Shutdown kills all movers and releases the storage root.
func (p *Pool) Shutdown() error {
	if p.isDead() {
		return nil
	}
	log.Warningf("Pool %v shuts down", p.address)
	close(p.shutdown)

	var result *multierror.Error
	if err := p.l.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	p.moversLock.RLock()
	for _, e := range p.movers {
		e.cancel()
	}
	p.moversLock.RUnlock()
	p.wg.Wait()

	if err := p.passive.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.metrics.close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := p.repo.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (p *Pool) pruneMovers(before time.Time) {
	p.moversLock.Lock()
	defer p.moversLock.Unlock()
	for id, e := range p.movers {
		if e.isDone() && e.finished.Before(before) {
			delete(p.movers, id)
		}
	}
}

func (p *Pool) lookup(id dcap.MoverID) (*moverEntry, error) {
	p.moversLock.RLock()
	defer p.moversLock.RUnlock()
	e, ok := p.movers[id]
	if !ok {
		return nil, errors.Wrapf(dcap.ErrUnknownMover, "%d", id)
	}
	return e, nil
}

// RPCStartMover is called by a door to start a transfer. The mover runs in
// the background; its progress is reported by RPCMoverInfo.
func (p *Pool) RPCStartMover(args dcap.StartMoverArg, reply *dcap.StartMoverReply) error {
	if p.isDead() {
		return errors.New("pool is shutting down")
	}
	if args.Mode == dcap.ModeWrite && p.degraded.Load() {
		return dcap.ErrPoolDegraded
	}
	ch, err := p.repo.OpenChannel(args.Replica, args.Mode)
	if err != nil {
		return err
	}

	opts := mover.ParseOptions(args.Options, p.buffers, p.maxBuffers)
	if opts.AllocIncrement == 0 {
		opts.AllocIncrement = p.allocIncrement
	}
	if opts.Checksum == 0 && args.Mode == dcap.ModeWrite {
		opts.Checksum = p.transferSum
	}
	params := mover.Params{
		Session: args.Session,
		Replica: args.Replica,
		Mode:    args.Mode,
		Options: opts,
	}
	// reads never allocate
	var port space.Port
	if args.Mode == dcap.ModeWrite {
		port = p.space
	}

	var est conn.Establisher = conn.Active{Timeout: p.cfg.ConnectTimeout.Duration}
	if args.Passive {
		est = &conn.Passive{
			Pool:     p.passive,
			Notifier: p.door,
			Door:     args.Door,
			Self:     p.address,
			Host:     p.cfg.PassiveHost,
			Timeout:  p.cfg.ConnectTimeout.Duration,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &moverEntry{
		id:      dcap.MoverID(p.nextID.Inc()),
		arg:     args,
		session: mover.New(params, ch, port),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.moversLock.Lock()
	p.movers[e.id] = e
	p.moversLock.Unlock()
	p.metrics.active.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		res, err := p.run(ctx, e, ch, est, opts.Buffers)
		p.finish(e, res, err)
	}()

	log.Infof("mover %d: %v %s session %d", e.id, args.Mode, args.Replica, args.Session)
	reply.Mover = e.id
	return nil
}

func (p *Pool) run(ctx context.Context, e *moverEntry, ch repository.Channel, est conn.Establisher, b mover.Buffers) (*mover.Result, error) {
	defer ch.Close()
	c, err := est.Establish(ctx, conn.Params{
		Session:    e.arg.Session,
		Client:     e.arg.Client,
		SendBuffer: b.Send,
		RecvBuffer: b.Recv,
	})
	if err != nil {
		return nil, err
	}
	res, err := e.session.Run(ctx, c)
	if res == nil || !res.WasModified {
		return res, err
	}
	if serr := ch.Sync(); serr != nil {
		log.Errorf("mover %d: sync %s: %v", e.id, e.arg.Replica, serr)
		err = multierror.Append(err, errors.Wrapf(dcap.ErrDiskIO, "sync: %v", serr)).ErrorOrNil()
	}
	return res, err
}

// finish records the outcome of a mover. The channel is closed by now, so
// the replica record reflects the file on disk.
func (p *Pool) finish(e *moverEntry, res *mover.Result, err error) {
	if errors.Is(err, dcap.ErrDiskIO) {
		if !p.degraded.Swap(true) {
			log.Errorf("Pool disabled : %v", err)
			p.metrics.degraded.Set(1)
		}
	}
	if res != nil && res.WasModified {
		p.updateReplica(e.arg.Replica, res)
	}
	if err != nil {
		log.Warnf("mover %d finished: %v", e.id, err)
	} else {
		log.Infof("mover %d finished", e.id)
	}
	p.metrics.finished(e.arg.Mode, res, err)

	e.result, e.err, e.finished = res, err, time.Now()
	close(e.done)
}

func (p *Pool) updateReplica(id dcap.ReplicaID, res *mover.Result) {
	info, err := p.repo.Info(id)
	if err != nil {
		log.Errorf("replica %s: %v", id, err)
		return
	}
	info.Modified = time.Time{}
	info.ClientChecksum, info.ComputedChecksum = "", ""
	if res.ClientChecksum != nil {
		info.ClientChecksum = res.ClientChecksum.String()
	}
	if res.ComputedChecksum != nil {
		info.ComputedChecksum = res.ComputedChecksum.String()
	}
	if res.ClientChecksum != nil && res.ComputedChecksum != nil &&
		res.ClientChecksum.Type == res.ComputedChecksum.Type &&
		!res.ClientChecksum.Equal(*res.ComputedChecksum) {
		log.Warnf("replica %s: checksum mismatch, client %v computed %v",
			id, res.ClientChecksum, res.ComputedChecksum)
	}
	if err := p.repo.Update(info); err != nil {
		log.Errorf("replica %s: storing metadata: %v", id, err)
	}
}

func (p *Pool) info(e *moverEntry) dcap.MoverInfo {
	info := dcap.MoverInfo{
		Mover:            e.id,
		Replica:          e.arg.Replica,
		Session:          e.arg.Session,
		Mode:             e.arg.Mode,
		Status:           e.session.Status(),
		BytesTransferred: e.session.BytesTransferred(),
		TransferTime:     e.session.TransferTime(),
		LastTransferred:  e.session.LastTransferred(),
	}
	if !e.isDone() {
		return info
	}
	info.Done = true
	if e.err != nil {
		info.Err = dcap.ErrorCodeOf(e.err)
		info.ErrMsg = e.err.Error()
	}
	if e.result != nil {
		info.BytesTransferred = e.result.BytesTransferred
		info.TransferTime = e.result.TransferTime
		if e.result.ClientChecksum != nil {
			info.ClientChecksum = e.result.ClientChecksum.String()
		}
		if e.result.ComputedChecksum != nil {
			info.ComputedChecksum = e.result.ComputedChecksum.String()
		}
	}
	return info
}

// RPCMoverInfo reports the state of a mover, waiting up to args.Wait for
// it to finish.
func (p *Pool) RPCMoverInfo(args dcap.MoverInfoArg, reply *dcap.MoverInfoReply) error {
	e, err := p.lookup(args.Mover)
	if err != nil {
		return err
	}
	if args.Wait > 0 {
		timer := time.NewTimer(args.Wait)
		select {
		case <-e.done:
		case <-timer.C:
		case <-p.shutdown:
		}
		timer.Stop()
	}
	reply.Info = p.info(e)
	return nil
}

// RPCKillMover interrupts a mover and waits for it to wind down.
func (p *Pool) RPCKillMover(args dcap.KillMoverArg, reply *dcap.KillMoverReply) error {
	e, err := p.lookup(args.Mover)
	if err != nil {
		return err
	}
	log.Infof("mover %d: killed", e.id)
	e.cancel()
	timer := time.NewTimer(dcap.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-e.done:
	case <-timer.C:
		log.Warnf("mover %d did not stop within %v", e.id, dcap.ShutdownTimeout)
	}
	reply.Info = p.info(e)
	return nil
}

func (p *Pool) RPCListMovers(args dcap.ListMoversArg, reply *dcap.ListMoversReply) error {
	p.moversLock.RLock()
	for _, e := range p.movers {
		reply.Movers = append(reply.Movers, p.info(e))
	}
	p.moversLock.RUnlock()
	sort.Slice(reply.Movers, func(i, j int) bool { return reply.Movers[i].Mover < reply.Movers[j].Mover })
	return nil
}

// RPCReportReplicas is called by a door to list the replicas the pool holds.
func (p *Pool) RPCReportReplicas(args dcap.ReportReplicasArg, reply *dcap.ReportReplicasReply) error {
	infos, err := p.repo.List()
	if err != nil {
		return err
	}
	for _, i := range infos {
		reply.Replicas = append(reply.Replicas, dcap.ReplicaInfo{
			ID:               i.ID,
			Size:             i.Size,
			ClientChecksum:   i.ClientChecksum,
			ComputedChecksum: i.ComputedChecksum,
			Modified:         i.Modified,
		})
	}
	reply.Degraded = p.degraded.Load()
	reply.Used = p.space.Used()
	reply.Total = p.space.Total()
	return nil
}

type rpcNotifier struct{}

func (rpcNotifier) NotifyPassive(door dcap.ServerAddress, msg dcap.PassiveIoMessage) error {
	return util.Call(door, "Door.RPCPassiveIo", msg, &dcap.PassiveIoReply{})
}
