package stress

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"

	"dcap"
	"dcap/checksum"
	"dcap/client"
	"dcap/proto"
	"dcap/util"
)

type Config struct {
	Pool dcap.ServerAddress
	// Door RPC listen address; empty runs active transfers only
	Door string

	Workers  int
	Rounds   int // per worker
	MaxSize  int // replica size is drawn from [1, MaxSize]
	Segments int // random ranges checked per read

	Options map[string]string
}

func (cfg *Config) SetDefaultIfNotDefined() {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 10
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 4 << 20
	}
	if cfg.Segments <= 0 {
		cfg.Segments = 4
	}
}

type replica struct {
	id   dcap.ReplicaID
	data []byte
	md5  [md5.Size]byte
}

// Tester writes replicas, reads them back in several ways and checks that
// every byte survived.
type Tester struct {
	cfg     Config
	c       *client.Client
	stats   Statistics
	written util.ArraySet[dcap.ReplicaID]

	lock     sync.Mutex
	replicas map[dcap.ReplicaID]*replica
	failures []string
}

func New(cfg Config) (*Tester, error) {
	cfg.SetDefaultIfNotDefined()
	t := &Tester{
		cfg:      cfg,
		c:        client.NewClient(cfg.Pool),
		replicas: make(map[dcap.ReplicaID]*replica),
	}
	if cfg.Door != "" {
		d, err := client.NewDoor(cfg.Door)
		if err != nil {
			return nil, err
		}
		t.c.Door = d
	}
	return t, nil
}

func (t *Tester) Close() {
	if t.c.Door != nil {
		t.c.Door.Shutdown()
	}
}

func (t *Tester) fail(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	t.lock.Lock()
	t.failures = append(t.failures, msg)
	t.lock.Unlock()
}

// Run drives all workers to completion and prints a summary to w. It
// fails if any transfer failed or any data did not verify.
func (t *Tester) Run(ctx context.Context, w io.Writer) error {
	t.stats.tmStart = time.Now()
	run := fmt.Sprintf("%x", time.Now().UnixNano())
	var wg sync.WaitGroup
	for i := 0; i < t.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)))
			for round := 0; round < t.cfg.Rounds && ctx.Err() == nil; round++ {
				id := dcap.ReplicaID(fmt.Sprintf("stress-%s-%d-%d", run, worker, round))
				t.round(ctx, rnd, id)
			}
		}(i)
	}
	wg.Wait()

	t.stats.PrettyPrint(w)
	if n := len(t.failures); n > 0 {
		return errors.Errorf("%d failures, first: %s", n, t.failures[0])
	}
	return ctx.Err()
}

func (t *Tester) passive(rnd *rand.Rand) bool {
	return t.c.Door != nil && rnd.Intn(2) == 0
}

// round writes one new replica and verifies one random replica written so
// far, possibly by another worker.
func (t *Tester) round(ctx context.Context, rnd *rand.Rand, id dcap.ReplicaID) {
	data := make([]byte, 1+rnd.Intn(t.cfg.MaxSize))
	rnd.Read(data)
	r := &replica{id: id, data: data, md5: md5.Sum(data)}
	if err := t.write(ctx, rnd, r); err != nil {
		t.fail("write %s: %v", id, err)
		return
	}
	t.lock.Lock()
	t.replicas[id] = r
	t.lock.Unlock()
	t.written.Add(id)

	pick := t.written.RandomPick()
	t.lock.Lock()
	r = t.replicas[pick]
	t.lock.Unlock()
	if err := t.verify(ctx, rnd, r); err != nil {
		t.fail("verify %s: %v", r.id, err)
	}
}

func (t *Tester) write(ctx context.Context, rnd *rand.Rand, r *replica) error {
	start := time.Now()
	conn, mover, err := t.c.Open(ctx, r.id, dcap.ModeWrite, t.passive(rnd), t.cfg.Options)
	if err != nil {
		t.stats.Put(OpWrite, time.Since(start), 0, err)
		return err
	}
	if err = conn.Write(r.data); err == nil {
		h, _ := checksum.New(checksum.Adler32)
		h.Write(r.data)
		err = conn.Close(&checksum.Checksum{Type: checksum.Adler32, Value: h.Sum(nil)})
	} else {
		conn.Close(nil)
	}
	t.stats.Put(OpWrite, time.Since(start), int64(len(r.data)), err)
	if err != nil {
		return err
	}

	info, err := t.c.MoverInfo(mover, dcap.ConnectTimeout)
	if err != nil {
		return err
	}
	if info.Err != dcap.Success {
		return errors.Errorf("mover %d: %s (%d)", mover, info.ErrMsg, info.Err)
	}
	if info.ComputedChecksum != "" && info.ComputedChecksum != info.ClientChecksum {
		return errors.Errorf("checksum mismatch: client %s, pool %s", info.ClientChecksum, info.ComputedChecksum)
	}
	return nil
}

func (t *Tester) verify(ctx context.Context, rnd *rand.Rand, r *replica) error {
	start := time.Now()
	conn, _, err := t.c.Open(ctx, r.id, dcap.ModeRead, t.passive(rnd), t.cfg.Options)
	if err != nil {
		t.stats.Put(OpVerify, time.Since(start), 0, err)
		return err
	}
	defer conn.Close(nil)

	// whole replica
	start = time.Now()
	data, err := conn.Read(int64(len(r.data)))
	t.stats.Put(OpRead, time.Since(start), int64(len(data)), err)
	if err != nil {
		return err
	}
	if md5.Sum(data) != r.md5 {
		return errors.Errorf("md5 mismatch after read of %d bytes", len(data))
	}

	// random segments, one by one and as a vector
	var ranges []client.Range
	var want []byte
	for i := 0; i < t.cfg.Segments; i++ {
		off := rnd.Intn(len(r.data))
		n := 1 + rnd.Intn(len(r.data)-off)
		start = time.Now()
		got, err := conn.SeekAndRead(int64(off), proto.SeekSet, int64(n))
		t.stats.Put(OpSeekRead, time.Since(start), int64(len(got)), err)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, r.data[off:off+n]) {
			return errors.Errorf("segment [%d,%d) differs", off, off+n)
		}
		ranges = append(ranges, client.Range{Offset: int64(off), Count: int32(n)})
		want = append(want, r.data[off:off+n]...)
	}
	start = time.Now()
	got, err := conn.Readv(ranges)
	t.stats.Put(OpVerify, time.Since(start), int64(len(got)), err)
	if err != nil {
		return err
	}
	if md5.Sum(got) != md5.Sum(want) {
		return errors.New("vector read differs")
	}
	return nil
}

func (t *Tester) Stats() *Statistics { return &t.stats }
