package stress

import (
	"fmt"
	"io"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	sync "github.com/sasha-s/go-deadlock"
)

type Op int

const (
	OpWrite Op = iota
	OpRead
	OpSeekRead
	OpVerify
	kNumOps
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpSeekRead:
		return "SEEK_READ"
	case OpVerify:
		return "VERIFY"
	}
	return "?"
}

type (
	OpStat struct {
		mtx       sync.Mutex
		hist      *hdrhistogram.Histogram
		total     time.Duration
		bytes     int64
		numErrors int64
	}

	Statistics struct {
		all     OpStat
		ops     [kNumOps]OpStat
		tmStart time.Time
	}

	StatsData struct {
		throughput  float64 // MiB/s while busy
		avgLatency  time.Duration
		minLatency  time.Duration
		maxLatency  time.Duration
		p50Latency  time.Duration
		p99Latency  time.Duration
		numRequests int64
		numErrors   int64
		bytes       int64
	}
)

func (s *OpStat) init() {
	if s.hist == nil {
		s.hist = hdrhistogram.New(1, int64(3600*time.Second), 3)
	}
}

func (s *OpStat) Put(tm time.Duration, bytes int64, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	s.hist.RecordValue(int64(tm))
	s.total += tm
	s.bytes += bytes
	if err != nil {
		s.numErrors++
	}
}

func (s *OpStat) Stats() (stat StatsData) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.init()
	stat.numRequests = s.hist.TotalCount()
	stat.numErrors = s.numErrors
	stat.bytes = s.bytes
	stat.minLatency = time.Duration(s.hist.Min())
	stat.maxLatency = time.Duration(s.hist.Max())
	stat.p50Latency = time.Duration(s.hist.ValueAtQuantile(50.))
	stat.p99Latency = time.Duration(s.hist.ValueAtQuantile(99.))
	if stat.numRequests != 0 {
		stat.avgLatency = s.total / time.Duration(stat.numRequests)
	}
	if s.total > 0 {
		stat.throughput = float64(s.bytes) / float64(1<<20) / s.total.Seconds()
	}
	return
}

func (s *Statistics) Put(op Op, tm time.Duration, bytes int64, err error) {
	s.all.Put(tm, bytes, err)
	s.ops[op].Put(tm, bytes, err)
}

func (s *Statistics) Errors() int64 {
	return s.all.Stats().numErrors
}

func (s *Statistics) Requests(op Op) int64 {
	return s.ops[op].Stats().numRequests
}

func (s *Statistics) PrettyPrint(w io.Writer) {
	msfunc := func(d time.Duration) time.Duration {
		return d.Round(time.Microsecond)
	}
	line := "------------+------------+------------+------------+------------+------------+------------+------------+-----------"
	fmt.Fprintf(w, "\n   MiB/s    |  average   |    min     |    max     |    50%%     |    99%%     |  requests  |   errors   | op\n%s\n", line)
	wstat := func(stat *StatsData, op string) {
		fmt.Fprintf(w, "%12.2f %12s %12s %12s %12s %12s %12d %12d %s\n",
			stat.throughput, msfunc(stat.avgLatency), msfunc(stat.minLatency), msfunc(stat.maxLatency),
			msfunc(stat.p50Latency), msfunc(stat.p99Latency), stat.numRequests, stat.numErrors, op)
	}
	for i := Op(0); i < kNumOps; i++ {
		stat := s.ops[i].Stats()
		if stat.numRequests != 0 {
			wstat(&stat, i.String())
		}
	}
	fmt.Fprintln(w, line)
	all := s.all.Stats()
	wstat(&all, "All")
	if !s.tmStart.IsZero() {
		fmt.Fprintf(w, "elapsed %v\n", time.Since(s.tmStart).Round(time.Millisecond))
	}
}
