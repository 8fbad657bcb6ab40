package checksum

import (
	"hash"

	log "github.com/sirupsen/logrus"
)

// Accumulator feeds bytes written to a replica into an optional digest. Only
// a contiguous prefix of the file starting at offset zero can be digested;
// the first write that does not extend that prefix disables the
// accumulator, so re-sent or out of order data is never counted twice.
type Accumulator struct {
	t        Type
	digest   hash.Hash
	digested int64
}

// NewAccumulator returns an accumulator for t. A nil *Accumulator is valid
// and does nothing.
func NewAccumulator(t Type) (*Accumulator, error) {
	d, err := New(t)
	if err != nil {
		return nil, err
	}
	return &Accumulator{t: t, digest: d}, nil
}

func (a *Accumulator) Enabled() bool {
	return a != nil && a.digest != nil
}

// Update records p as written at offset off.
func (a *Accumulator) Update(off int64, p []byte) {
	if !a.Enabled() {
		return
	}
	if off != a.digested {
		log.Debugf("non sequential write at %d (digested %d), transfer checksum disabled", off, a.digested)
		a.digest = nil
		return
	}
	a.digest.Write(p)
	a.digested += int64(len(p))
}

// Sum returns the digest of everything accumulated, or nil when the
// accumulator was never configured or has been disabled.
func (a *Accumulator) Sum() *Checksum {
	if !a.Enabled() {
		return nil
	}
	return &Checksum{Type: a.t, Value: a.digest.Sum(nil)}
}
