// Package config holds the settings of a node and turns them into the
// builders of the transport, the detector and the TCP fabric.
//
// Settings come from defaults, then from .env files, then from the process
// environment. Command line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/fabric/tcpfabric"
	"github.com/distmc/quiesce/partition"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

// EnvPrefix starts the names of all environment variables read by Load,
// except MaxFlushRateEnv.
const EnvPrefix = "QUIESCE_"

// MaxFlushRateEnv overrides the flush budget of FlushSome.
const MaxFlushRateEnv = "MAX_FLUSH_RATE"

// DefaultEnvFile is read by Load when no file is given. It may be missing.
const DefaultEnvFile = ".env"

// Config holds the settings of one node.
type Config struct {
	Rank  int
	Peers []string

	MsgCountLimit  int
	SizeLimit      int
	TimeLimit      time.Duration
	MaxFlushRate   int
	StatsInterval  time.Duration
	MaxSendsQueued int
	MaxWait        int
	PollSkipMax    int
	UrgentPollSkip int

	SyncSkip     int
	MaxRecvCount int

	Hash string
	Seed uint32

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	LogDebug     bool

	RecordPath  string
	MonitorPort int
	OpenBrowser bool
}

// Default returns the settings of a single node cluster.
func Default() Config {
	return Config{
		Rank:           0,
		Peers:          []string{"127.0.0.1:7600"},
		MsgCountLimit:  transport.DefaultMsgCountLimit,
		SizeLimit:      transport.DefaultSizeLimit,
		TimeLimit:      transport.DefaultTimeLimit,
		MaxFlushRate:   transport.DefaultMaxFlushRate,
		StatsInterval:  transport.DefaultStatsInterval,
		MaxSendsQueued: transport.DefaultMaxSendsQueued,
		MaxWait:        transport.DefaultMaxWait,
		PollSkipMax:    transport.DefaultPollSkipMax,
		UrgentPollSkip: transport.DefaultUrgentPollSkip,
		SyncSkip:       termination.DefaultSyncSkip,
		MaxRecvCount:   termination.DefaultMaxRecvCount,
		Hash:           partition.HashXX.String(),
		Seed:           partition.DefaultSeed,
		DialTimeout:    tcpfabric.DefaultDialTimeout,
		WriteTimeout:   tcpfabric.DefaultWriteTimeout,
	}
}

// Load starts from the defaults and applies the given .env files and the
// environment. Variables of the environment win over the files. Without
// files, DefaultEnvFile is read if it exists.
func Load(files ...string) (Config, error) {
	vars := make(map[string]string)

	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			files = []string{DefaultEnvFile}
		}
	}

	for _, file := range files {
		m, err := godotenv.Read(file)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", file, err)
		}

		for k, v := range m {
			vars[k] = v
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := vars[key]

		return v, ok
	}

	c := Default()
	if err := c.apply(lookup); err != nil {
		return Config{}, err
	}

	return c, nil
}

type envParser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *envParser) get(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}

	return p.lookup(name)
}

func (p *envParser) fail(name, value string, err error) {
	p.err = fmt.Errorf("config: %s=%q: %w", name, value, err)
}

func (p *envParser) int(name string, dst *int) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = n
}

func (p *envParser) uint32(name string, dst *uint32) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(strings.TrimSpace(v), 0, 32)
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = uint32(n)
}

func (p *envParser) duration(name string, dst *time.Duration) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = d
}

func (p *envParser) bool(name string, dst *bool) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.fail(name, v, err)
		return
	}

	*dst = b
}

func (p *envParser) string(name string, dst *string) {
	if v, ok := p.get(name); ok {
		*dst = strings.TrimSpace(v)
	}
}

func (p *envParser) list(name string, dst *[]string) {
	v, ok := p.get(name)
	if !ok {
		return
	}

	var items []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}

	*dst = items
}

func (c *Config) apply(lookup func(string) (string, bool)) error {
	p := &envParser{lookup: lookup}

	p.int(EnvPrefix+"RANK", &c.Rank)
	p.list(EnvPrefix+"PEERS", &c.Peers)
	p.int(EnvPrefix+"MSG_COUNT_LIMIT", &c.MsgCountLimit)
	p.int(EnvPrefix+"SIZE_LIMIT", &c.SizeLimit)
	p.duration(EnvPrefix+"TIME_LIMIT", &c.TimeLimit)
	p.int(MaxFlushRateEnv, &c.MaxFlushRate)
	p.duration(EnvPrefix+"STATS_INTERVAL", &c.StatsInterval)
	p.int(EnvPrefix+"MAX_SENDS_QUEUED", &c.MaxSendsQueued)
	p.int(EnvPrefix+"MAX_WAIT", &c.MaxWait)
	p.int(EnvPrefix+"POLL_SKIP_MAX", &c.PollSkipMax)
	p.int(EnvPrefix+"URGENT_POLL_SKIP", &c.UrgentPollSkip)
	p.int(EnvPrefix+"SYNC_SKIP", &c.SyncSkip)
	p.int(EnvPrefix+"MAX_RECV_COUNT", &c.MaxRecvCount)
	p.string(EnvPrefix+"HASH", &c.Hash)
	p.uint32(EnvPrefix+"SEED", &c.Seed)
	p.duration(EnvPrefix+"DIAL_TIMEOUT", &c.DialTimeout)
	p.duration(EnvPrefix+"WRITE_TIMEOUT", &c.WriteTimeout)
	p.bool(EnvPrefix+"LOG_DEBUG", &c.LogDebug)
	p.string(EnvPrefix+"RECORD", &c.RecordPath)
	p.int(EnvPrefix+"MONITOR_PORT", &c.MonitorPort)
	p.bool(EnvPrefix+"OPEN_BROWSER", &c.OpenBrowser)

	return p.err
}

// Size returns the number of ranks.
func (c Config) Size() int {
	return len(c.Peers)
}

// HashKind returns the partition hash named by Hash.
func (c Config) HashKind() (partition.HashKind, error) {
	switch strings.ToLower(c.Hash) {
	case partition.HashXX.String(), "":
		return partition.HashXX, nil
	case partition.HashFNV.String():
		return partition.HashFNV, nil
	default:
		return 0, fmt.Errorf("config: unknown hash %q", c.Hash)
	}
}

// Validate reports every setting that the builders would refuse.
func (c Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(len(c.Peers) > 0, "no peers")
	check(c.Rank >= 0 && c.Rank < len(c.Peers),
		"rank %d outside a cluster of %d", c.Rank, len(c.Peers))
	check(c.MsgCountLimit >= 1, "message count limit %d", c.MsgCountLimit)
	check(c.SizeLimit >= transport.RecordHeaderSize, "size limit %d", c.SizeLimit)
	check(c.TimeLimit >= 0, "time limit %v", c.TimeLimit)
	check(c.MaxFlushRate >= 1, "max flush rate %d", c.MaxFlushRate)
	check(c.StatsInterval > 0, "stats interval %v", c.StatsInterval)
	check(c.MaxSendsQueued >= 1, "max sends queued %d", c.MaxSendsQueued)
	check(c.MaxWait >= 0, "max wait %d", c.MaxWait)
	check(c.PollSkipMax >= 0, "poll skip max %d", c.PollSkipMax)
	check(c.UrgentPollSkip >= 0, "urgent poll skip %d", c.UrgentPollSkip)
	check(c.SyncSkip >= 0, "sync skip %d", c.SyncSkip)
	check(c.MaxRecvCount >= 1, "max receive count %d", c.MaxRecvCount)
	check(c.MonitorPort >= 0 && c.MonitorPort < 65536, "monitor port %d", c.MonitorPort)

	if _, err := c.HashKind(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TransportBuilder returns a transport builder over f with the limits of c.
func (c Config) TransportBuilder(f fabric.Fabric) transport.Builder {
	return c.ConfigureTransport(transport.MakeBuilder().WithFabric(f))
}

// ConfigureTransport applies the limits of c to b.
func (c Config) ConfigureTransport(b transport.Builder) transport.Builder {
	return b.
		WithMsgCountLimit(c.MsgCountLimit).
		WithSizeLimit(c.SizeLimit).
		WithTimeLimit(c.TimeLimit).
		WithMaxFlushRate(c.MaxFlushRate).
		WithStatsInterval(c.StatsInterval).
		WithMaxSendsQueued(c.MaxSendsQueued).
		WithMaxWait(c.MaxWait).
		WithPollSkipMax(c.PollSkipMax).
		WithUrgentPollSkip(c.UrgentPollSkip)
}

// Partitioner returns the owner function of the cluster.
func (c Config) Partitioner() (partition.Partitioner, error) {
	return c.PartitionerFor(c.Size())
}

// PartitionerFor returns the owner function over size ranks with the hash
// and seed of c.
func (c Config) PartitionerFor(size int) (partition.Partitioner, error) {
	kind, err := c.HashKind()
	if err != nil {
		return partition.Partitioner{}, err
	}

	return partition.New(size).WithHash(kind).WithSeed(c.Seed), nil
}

// DetectorBuilder returns a detector builder over net with the settings of
// c. The hash must be valid.
func (c Config) DetectorBuilder(
	net *transport.Network,
	p termination.MessageProcessor,
) termination.Builder {
	b := c.ConfigureDetector(termination.MakeBuilder()).
		WithNetwork(net).
		WithProcessor(p)

	if part, err := c.Partitioner(); err == nil {
		b = b.WithPartitioner(part)
	}

	return b
}

// ConfigureDetector applies the round settings of c to b.
func (c Config) ConfigureDetector(b termination.Builder) termination.Builder {
	return b.
		WithSyncSkip(c.SyncSkip).
		WithMaxRecvCount(c.MaxRecvCount)
}

// FabricConfig returns the TCP fabric settings of c.
func (c Config) FabricConfig() tcpfabric.Config {
	return tcpfabric.Config{
		Rank:         c.Rank,
		Peers:        c.Peers,
		DialTimeout:  c.DialTimeout,
		WriteTimeout: c.WriteTimeout,
		LogDebug:     c.LogDebug,
	}
}
