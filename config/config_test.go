package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/distmc/quiesce/config"
	"github.com/distmc/quiesce/fabric"
	"github.com/distmc/quiesce/partition"
	"github.com/distmc/quiesce/termination"
	"github.com/distmc/quiesce/transport"
)

func setenv(key, value string) {
	old, had := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())

	DeferCleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func writeEnvFile(content string) string {
	path := filepath.Join(GinkgoT().TempDir(), "node.env")
	Expect(os.WriteFile(path, []byte(content), 0o600)).To(Succeed())

	return path
}

type singleRank struct{}

func (singleRank) Rank() int                                  { return 0 }
func (singleRank) Size() int                                  { return 1 }
func (singleRank) ProcessorName() string                      { return "single" }
func (singleRank) Barrier() error                             { return nil }
func (singleRank) Abort(int) error                            { return nil }
func (singleRank) Close() error                               { return nil }
func (singleRank) Gather(int, []byte) ([][]byte, error)       { return nil, nil }
func (singleRank) AllGather(d []byte) ([][]byte, error)       { return [][]byte{d}, nil }
func (singleRank) Recv(int, fabric.Lane, []byte) (int, error) { return 0, fabric.ErrNoPacket }

func (singleRank) Isend(int, fabric.Lane, []byte) (fabric.Request, error) {
	return fabric.CompletedRequest{}, nil
}

func (singleRank) Iprobe(int, fabric.Lane) (fabric.Status, bool, error) {
	return fabric.Status{}, false, nil
}

func (singleRank) Probe(int, fabric.Lane) (fabric.Status, error) {
	return fabric.Status{}, fabric.ErrNoPacket
}

var _ = Describe("Config", func() {
	It("should have valid defaults", func() {
		c := config.Default()

		Expect(c.Validate()).To(Succeed())
		Expect(c.Size()).To(Equal(1))
		Expect(c.TimeLimit).To(Equal(300 * time.Millisecond))
		Expect(c.MsgCountLimit).To(Equal(100))
		Expect(c.SizeLimit).To(Equal(8192))
	})

	It("should read a file", func() {
		path := writeEnvFile(`
QUIESCE_RANK=2
QUIESCE_PEERS=a:1, b:2 ,c:3
QUIESCE_TIME_LIMIT=50ms
QUIESCE_HASH=fnv
QUIESCE_SEED=0x10
QUIESCE_LOG_DEBUG=true
MAX_FLUSH_RATE=12
`)

		c, err := config.Load(path)

		Expect(err).ToNot(HaveOccurred())
		Expect(c.Rank).To(Equal(2))
		Expect(c.Peers).To(Equal([]string{"a:1", "b:2", "c:3"}))
		Expect(c.TimeLimit).To(Equal(50 * time.Millisecond))
		Expect(c.Hash).To(Equal("fnv"))
		Expect(c.Seed).To(Equal(uint32(16)))
		Expect(c.LogDebug).To(BeTrue())
		Expect(c.MaxFlushRate).To(Equal(12))
		Expect(c.Validate()).To(Succeed())
	})

	It("should let the environment win over the file", func() {
		path := writeEnvFile("QUIESCE_SYNC_SKIP=7\nQUIESCE_MAX_RECV_COUNT=9\n")
		setenv("QUIESCE_SYNC_SKIP", "3")

		c, err := config.Load(path)

		Expect(err).ToNot(HaveOccurred())
		Expect(c.SyncSkip).To(Equal(3))
		Expect(c.MaxRecvCount).To(Equal(9))
	})

	It("should report a malformed value", func() {
		setenv("QUIESCE_POLL_SKIP_MAX", "many")

		_, err := config.Load(writeEnvFile(""))

		Expect(err).To(MatchError(ContainSubstring("QUIESCE_POLL_SKIP_MAX")))
	})

	It("should report a missing file", func() {
		_, err := config.Load(filepath.Join(GinkgoT().TempDir(), "missing.env"))

		Expect(err).To(HaveOccurred())
	})

	It("should collect every invalid setting", func() {
		c := config.Default()
		c.Rank = 3
		c.MsgCountLimit = 0
		c.Hash = "md5"

		err := c.Validate()

		Expect(err).To(MatchError(ContainSubstring("rank 3")))
		Expect(err).To(MatchError(ContainSubstring("message count limit")))
		Expect(err).To(MatchError(ContainSubstring("md5")))
	})

	It("should select the hash", func() {
		c := config.Default()
		c.Peers = []string{"a", "b", "c"}
		c.Hash = "FNV"

		p, err := c.Partitioner()

		Expect(err).ToNot(HaveOccurred())
		Expect(p.Size()).To(Equal(3))
		Expect(p.Hash([]byte("v"))).To(Equal(
			partition.New(3).WithHash(partition.HashFNV).Hash([]byte("v"))))
	})

	It("should build a partitioner for another cluster size", func() {
		c := config.Default()
		c.Seed = 7

		p, err := c.PartitionerFor(5)

		Expect(err).ToNot(HaveOccurred())
		Expect(p.Size()).To(Equal(5))
		Expect(p.Hash([]byte("v"))).To(Equal(
			partition.New(5).WithSeed(7).Hash([]byte("v"))))

		c.Hash = "md5"
		_, err = c.PartitionerFor(5)
		Expect(err).To(HaveOccurred())
	})

	It("should build a transport and a detector", func() {
		c := config.Default()
		c.PollSkipMax = 4

		net := c.TransportBuilder(singleRank{}).Build("Network")
		Expect(net.Init()).To(Succeed())
		Expect(net.TimeLimit()).To(Equal(c.TimeLimit))
		Expect(net.PollSkipRate()).To(Equal(4))

		det := c.DetectorBuilder(net, termination.ProcessorFunc(
			func(transport.Delivery) error { return nil })).
			Build("Detector")

		Expect(det.Size()).To(Equal(1))
		Expect(det.Owner([]byte("anything"))).To(Equal(0))
	})

	It("should describe the TCP fabric", func() {
		c := config.Default()
		c.Peers = []string{"a:1", "b:2"}
		c.Rank = 1

		f := c.FabricConfig()

		Expect(f.Rank).To(Equal(1))
		Expect(f.Peers).To(Equal(c.Peers))
		Expect(f.DialTimeout).To(Equal(c.DialTimeout))
	})
})
