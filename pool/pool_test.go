package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcap"
	"dcap/checksum"
	"dcap/mover"
	"dcap/util"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Root: "/tmp/x", Mover: MoverConfig{MaxIoBuffer: 4096}}
	cfg.SetDefaultIfNotDefined()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, kDefaultListen, cfg.Listen)
	assert.Equal(t, cfg.Listen, cfg.Address)
	assert.Equal(t, dcap.ConnectTimeout, cfg.ConnectTimeout.Duration)
	assert.Equal(t, kDefaultMoverRetention, cfg.MoverRetention.Duration)

	n, err := cfg.allocIncrement()
	require.NoError(t, err)
	assert.Equal(t, int64(dcap.DefaultAllocIncrement), n)

	def, max := cfg.Mover.Buffers()
	assert.Equal(t, 4096, max.IO)
	// the default is clamped to the configured maximum
	assert.Equal(t, 4096, def.IO)
	assert.Equal(t, dcap.DefaultSendBufferSize, def.Send)
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
Listen = "127.0.0.1:0"
Root = "/var/lib/dcap"
Capacity = "2GiB"
ConnectTimeout = "5s"
TransferChecksum = "md5"
[Mover]
AllocIncrement = "4MiB"
DefaultIoBuffer = 65536
`), 0644))

	cfg, err := LoadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout.Duration)
	c, _ := cfg.capacity()
	assert.Equal(t, int64(2<<30), c)
	n, _ := cfg.allocIncrement()
	assert.Equal(t, int64(4<<20), n)
	sum, _ := cfg.transferChecksum()
	assert.Equal(t, checksum.MD5, sum)
	def, _ := cfg.Mover.Buffers()
	assert.Equal(t, mover.Buffers{Send: dcap.DefaultSendBufferSize, Recv: dcap.DefaultRecvBufferSize, IO: 65536}, def)
}

func TestConfigInvalid(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no root":   {},
		"capacity":  {Root: "/r", Capacity: "lots"},
		"increment": {Root: "/r", Mover: MoverConfig{AllocIncrement: "-1"}},
		"checksum":  {Root: "/r", TransferChecksum: "crc64"},
	} {
		cfg.SetDefaultIfNotDefined()
		assert.Error(t, cfg.Validate(), name)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

type silentDoor struct {
	msgs chan dcap.PassiveIoMessage
}

func (d silentDoor) NotifyPassive(door dcap.ServerAddress, msg dcap.PassiveIoMessage) error {
	d.msgs <- msg
	return nil
}

func newTestPool(t *testing.T) *Pool {
	p, err := NewAndServe(Config{
		Listen:         "127.0.0.1:0",
		Root:           t.TempDir(),
		Capacity:       "1MiB",
		PassiveHost:    "127.0.0.1",
		ConnectTimeout: util.Duration{Duration: 200 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func TestMoverConnectTimeout(t *testing.T) {
	p := newTestPool(t)
	door := silentDoor{msgs: make(chan dcap.PassiveIoMessage, 1)}
	p.door = door

	arg := dcap.StartMoverArg{Replica: "r1", Mode: dcap.ModeWrite, Session: 11, Passive: true, Door: "127.0.0.1:1"}
	var start dcap.StartMoverReply
	require.NoError(t, p.RPCStartMover(arg, &start))

	msg := <-door.msgs
	assert.Equal(t, dcap.SessionID(11), msg.Session)
	assert.Equal(t, p.Address(), msg.Pool)
	assert.NotEmpty(t, msg.Challenge)

	var reply dcap.MoverInfoReply
	require.NoError(t, p.RPCMoverInfo(dcap.MoverInfoArg{Mover: start.Mover, Wait: 5 * time.Second}, &reply))
	assert.True(t, reply.Info.Done)
	assert.Contains(t, reply.Info.ErrMsg, dcap.ErrConnectTimeout.Error())
	assert.Equal(t, float64(0), gaugeValue(t, p.metrics.active))

	// the write slot was released
	arg.Session = 12
	var again dcap.StartMoverReply
	require.NoError(t, p.RPCStartMover(arg, &again))
	<-door.msgs
	var kill dcap.KillMoverReply
	require.NoError(t, p.RPCKillMover(dcap.KillMoverArg{Mover: again.Mover}, &kill))
	assert.Contains(t, kill.Info.ErrMsg, dcap.ErrInterrupted.Error())

	var list dcap.ListMoversReply
	require.NoError(t, p.RPCListMovers(dcap.ListMoversArg{}, &list))
	assert.Len(t, list.Movers, 2)

	p.pruneMovers(time.Now().Add(time.Second))
	err := p.RPCMoverInfo(dcap.MoverInfoArg{Mover: start.Mover}, &reply)
	assert.True(t, errors.Is(err, dcap.ErrUnknownMover))
}

func TestDegradedPoolRefusesWrites(t *testing.T) {
	p := newTestPool(t)
	p.finish(&moverEntry{
		id:   1,
		arg:  dcap.StartMoverArg{Replica: "r1", Mode: dcap.ModeWrite},
		done: make(chan struct{}),
	}, nil, errors.Wrap(dcap.ErrDiskIO, "test"))
	assert.Equal(t, float64(1), gaugeValue(t, p.metrics.degraded))

	err := p.RPCStartMover(dcap.StartMoverArg{Replica: "r2", Mode: dcap.ModeWrite}, &dcap.StartMoverReply{})
	assert.True(t, errors.Is(err, dcap.ErrPoolDegraded))

	var report dcap.ReportReplicasReply
	require.NoError(t, p.RPCReportReplicas(dcap.ReportReplicasArg{}, &report))
	assert.True(t, report.Degraded)
	assert.Equal(t, int64(1<<20), report.Total)
}

func TestReplicaRecordAfterWrite(t *testing.T) {
	p := newTestPool(t)
	ch, err := p.repo.OpenChannel("r1", dcap.ModeWrite)
	require.NoError(t, err)
	_, err = ch.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	sum := &checksum.Checksum{Type: checksum.Adler32, Value: []byte{1, 2, 3, 4}}
	other := &checksum.Checksum{Type: checksum.Adler32, Value: []byte{4, 3, 2, 1}}
	p.updateReplica("r1", &mover.Result{WasModified: true, ClientChecksum: sum, ComputedChecksum: other})

	var report dcap.ReportReplicasReply
	require.NoError(t, p.RPCReportReplicas(dcap.ReportReplicasArg{}, &report))
	require.Len(t, report.Replicas, 1)
	r := report.Replicas[0]
	assert.Equal(t, dcap.ReplicaID("r1"), r.ID)
	assert.Equal(t, int64(5), r.Size)
	assert.Equal(t, "1:01020304", r.ClientChecksum)
	assert.Equal(t, "1:04030201", r.ComputedChecksum)
	assert.False(t, r.Modified.IsZero())
}
