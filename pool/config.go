package pool

import (
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/pkg/errors"

	"dcap"
	"dcap/checksum"
	"dcap/mover"
	"dcap/util"
)

const (
	kDefaultListen         = ":22125"
	kDefaultCapacity       = "10GiB"
	kDefaultMoverRetention = 10 * time.Minute
)

type MoverConfig struct {
	AllocIncrement string

	DefaultSendBuffer int
	DefaultRecvBuffer int
	DefaultIoBuffer   int
	MaxSendBuffer     int
	MaxRecvBuffer     int
	MaxIoBuffer       int
}

type Config struct {
	// pool identity as reported to doors, defaults to Listen
	Address string
	Listen  string
	Root    string

	Capacity string

	// shared listener for passive transfers, 0 for any port
	PassivePort int
	PassiveHost string

	// empty disables the /metrics endpoint
	MetricsListen string

	ConnectTimeout util.Duration
	// how long finished movers stay visible to RPCMoverInfo
	MoverRetention util.Duration

	// digest computed on writes unless the door asks otherwise; empty for none
	TransferChecksum string

	Mover MoverConfig
}

var DefaultConfig = Config{
	Listen:         kDefaultListen,
	Capacity:       kDefaultCapacity,
	ConnectTimeout: util.Duration{Duration: dcap.ConnectTimeout},
	MoverRetention: util.Duration{Duration: kDefaultMoverRetention},
	Mover: MoverConfig{
		AllocIncrement:    units.BytesSize(dcap.DefaultAllocIncrement),
		DefaultSendBuffer: dcap.DefaultSendBufferSize,
		DefaultRecvBuffer: dcap.DefaultRecvBufferSize,
		DefaultIoBuffer:   dcap.DefaultIoBufferSize,
		MaxSendBuffer:     dcap.MaxSendBufferSize,
		MaxRecvBuffer:     dcap.MaxRecvBufferSize,
		MaxIoBuffer:       dcap.MaxIoBufferSize,
	},
}

func (cfg *Config) SetDefaultIfNotDefined() {
	if cfg.Listen == "" {
		cfg.Listen = kDefaultListen
	}
	if cfg.Address == "" {
		cfg.Address = cfg.Listen
	}
	if cfg.Capacity == "" {
		cfg.Capacity = kDefaultCapacity
	}
	if cfg.ConnectTimeout.Duration == 0 {
		cfg.ConnectTimeout.Duration = dcap.ConnectTimeout
	}
	if cfg.MoverRetention.Duration == 0 {
		cfg.MoverRetention.Duration = kDefaultMoverRetention
	}
	cfg.Mover.SetDefaultIfNotDefined()
}

func (cfg *MoverConfig) SetDefaultIfNotDefined() {
	def := DefaultConfig.Mover
	if cfg.AllocIncrement == "" {
		cfg.AllocIncrement = def.AllocIncrement
	}
	set := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	set(&cfg.DefaultSendBuffer, def.DefaultSendBuffer)
	set(&cfg.DefaultRecvBuffer, def.DefaultRecvBuffer)
	set(&cfg.DefaultIoBuffer, def.DefaultIoBuffer)
	set(&cfg.MaxSendBuffer, def.MaxSendBuffer)
	set(&cfg.MaxRecvBuffer, def.MaxRecvBuffer)
	set(&cfg.MaxIoBuffer, def.MaxIoBuffer)
}

func (cfg *MoverConfig) Buffers() (def, max mover.Buffers) {
	def = mover.Buffers{Send: cfg.DefaultSendBuffer, Recv: cfg.DefaultRecvBuffer, IO: cfg.DefaultIoBuffer}
	max = mover.Buffers{Send: cfg.MaxSendBuffer, Recv: cfg.MaxRecvBuffer, IO: cfg.MaxIoBuffer}
	return def.Clamp(max), max
}

// LoadConfig reads a TOML file and fills in defaults.
func LoadConfig(file string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(file, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config %s", file)
	}
	cfg.SetDefaultIfNotDefined()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Root == "" {
		return errors.New("Root not configured")
	}
	if _, err := cfg.capacity(); err != nil {
		return err
	}
	if _, err := cfg.allocIncrement(); err != nil {
		return err
	}
	if _, err := cfg.transferChecksum(); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) capacity() (int64, error) {
	n, err := units.RAMInBytes(cfg.Capacity)
	if err != nil {
		return 0, errors.Wrapf(err, "Capacity %q", cfg.Capacity)
	}
	return n, nil
}

func (cfg *Config) allocIncrement() (int64, error) {
	n, err := units.RAMInBytes(cfg.Mover.AllocIncrement)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("Mover.AllocIncrement %q", cfg.Mover.AllocIncrement)
	}
	return n, nil
}

func (cfg *Config) transferChecksum() (checksum.Type, error) {
	if cfg.TransferChecksum == "" {
		return 0, nil
	}
	return checksum.ParseType(cfg.TransferChecksum)
}
