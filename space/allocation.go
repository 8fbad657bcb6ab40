package space

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"dcap"
)

// Port is the pool-wide space accounting a transfer draws from. Allocate may
// block until space is available and must return once ctx is done.
// Implementations are shared by all transfers of a pool.
type Port interface {
	Allocate(ctx context.Context, bytes int64) error
	Free(bytes int64)
}

var spaceLog = log.WithField("logger", "space")

// Allocation tracks the space reserved for one replica while it is being
// written. Space is requested in fixed increments whenever a write or seek
// would cross the allocated boundary.
type Allocation struct {
	port      Port
	replica   dcap.ReplicaID
	increment int64

	initial   int64
	allocated int64
	used      int64

	// called before each blocking request, for status reporting
	OnWait func(bytes int64)
}

// NewAllocation starts accounting from the replica's current size, which the
// pool has already accounted for. A nil port disables allocation.
func NewAllocation(port Port, replica dcap.ReplicaID, initialSize, increment int64) *Allocation {
	if increment <= 0 {
		increment = dcap.DefaultAllocIncrement
	}
	return &Allocation{
		port:      port,
		replica:   replica,
		increment: increment,
		initial:   initialSize,
		allocated: initialSize,
		used:      initialSize,
	}
}

func (a *Allocation) String() string {
	return fmt.Sprintf("{a=%d;u=%d}", a.allocated, a.used)
}

func (a *Allocation) Allocated() int64 { return a.allocated }
func (a *Allocation) Used() int64      { return a.used }
func (a *Allocation) Increment() int64 { return a.increment }

// EnsureCapacity grows the allocation until it covers target.
func (a *Allocation) EnsureCapacity(ctx context.Context, target int64) error {
	if a.port == nil {
		return nil
	}
	for target > a.allocated {
		if a.OnWait != nil {
			a.OnWait(a.increment)
		}
		log.Debugf("Allocating new space : %d", a.increment)
		spaceLog.Debugf("ALLOC: %v : %d", a.replica, a.increment)
		if err := a.port.Allocate(ctx, a.increment); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return errors.Wrapf(dcap.ErrInterrupted, "waiting for space: %v", err)
			}
			if errors.Is(err, dcap.ErrInterrupted) {
				return err
			}
			return errors.Wrapf(dcap.ErrSpaceAllocation, "%v", err)
		}
		a.allocated += a.increment
		log.Debugf("Allocated new space : %d", a.increment)
	}
	return nil
}

// RecordWrittenUpTo moves the high-water mark of written data.
func (a *Allocation) RecordWrittenUpTo(position int64) {
	if position > a.used {
		a.used = position
	}
}

func (a *Allocation) WasModified() bool {
	return a.used != a.initial
}

// Close compares the bookkeeping with the final replica size and returns
// unused space to the pool. A replica shorter than the written high-water
// mark has lost data; one longer than the allocation was written without
// space being reserved. Both are reported and nothing is freed.
func (a *Allocation) Close(finalSize int64) error {
	if a.used > finalSize {
		return errors.Wrapf(dcap.ErrAllocationInconsistency,
			"replica %v: %d bytes written but size is %d", a.replica, a.used, finalSize)
	}
	if a.port != nil && finalSize > a.allocated {
		return errors.Wrapf(dcap.ErrAllocationInconsistency,
			"replica %v: size %d exceeds allocated %d", a.replica, finalSize, a.allocated)
	}
	if a.port != nil && a.allocated > finalSize {
		surplus := a.allocated - finalSize
		spaceLog.Debugf("FREE: %v : %d", a.replica, surplus)
		a.port.Free(surplus)
		a.allocated = finalSize
	}
	return nil
}
