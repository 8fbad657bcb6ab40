package space

import (
	"context"

	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"dcap"
)

// Pool is the shared space account of one pool. Allocations block while the
// pool is full and are woken whenever space is freed.
type Pool struct {
	lock  sync.Mutex
	total int64
	used  int64
	freed chan struct{} // closed and replaced on every Free
}

func NewPool(total int64) *Pool {
	return &Pool{total: total, freed: make(chan struct{})}
}

// Allocate reserves n bytes, waiting for other transfers to free space if
// necessary.
func (p *Pool) Allocate(ctx context.Context, n int64) error {
	if n < 0 {
		return errors.Errorf("negative allocation %d", n)
	}
	if n > p.total {
		return errors.Wrapf(dcap.ErrNoSpace, "%d > %d", n, p.total)
	}
	for {
		p.lock.Lock()
		if p.used+n <= p.total {
			p.used += n
			p.lock.Unlock()
			return nil
		}
		wait := p.freed
		p.lock.Unlock()

		log.Debugf("pool full (%d of %d used), waiting for %d bytes", p.Used(), p.total, n)
		select {
		case <-ctx.Done():
			return errors.Wrapf(dcap.ErrInterrupted, "waiting for %d bytes: %v", n, ctx.Err())
		case <-wait:
		}
	}
}

func (p *Pool) Free(n int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.used -= n
	if p.used < 0 {
		log.Warnf("space accounting below zero (%d), resetting", p.used)
		p.used = 0
	}
	close(p.freed)
	p.freed = make(chan struct{})
}

// Account registers space already in use, e.g. by replicas found at
// startup. It never blocks and may overcommit the pool.
func (p *Pool) Account(n int64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.used += n
	if p.used > p.total {
		log.Warnf("pool overcommitted: %d of %d used", p.used, p.total)
	}
}

func (p *Pool) Used() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.used
}

func (p *Pool) Total() int64 { return p.total }

func (p *Pool) Available() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.used > p.total {
		return 0
	}
	return p.total - p.used
}
