// Package tcpfabric implements fabric.Fabric over a full mesh of TCP
// connections.
//
// Every pair of ranks shares one connection: a rank listens for the ranks
// above it and dials the ranks below it. Frames on a connection carry the
// two data lanes and a control lane for collectives, which rank 0
// coordinates.
package tcpfabric

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/distmc/quiesce/fabric"
)

// Default connection parameters.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxPacket    = 64 << 20
	DefaultMaxBackoff   = 2 * time.Second

	outQueueLen = 256
)

// ErrHandshake is returned when a peer does not belong to the cluster.
var ErrHandshake = errors.New("tcpfabric: handshake failed")

// Config describes the local rank and its peers.
type Config struct {
	Rank  int
	Peers []string

	// Listener is used instead of listening on Peers[Rank] when set. The
	// fabric closes it once the mesh is connected.
	Listener net.Listener

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxPacket    int
	MaxBackoff   time.Duration

	LogDebug bool
	Logger   *log.Logger
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}

	if c.MaxPacket <= 0 {
		c.MaxPacket = DefaultMaxPacket
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}

	if c.Logger == nil {
		c.Logger = log.Default()
	}

	return c
}

func (c Config) validate() error {
	if len(c.Peers) == 0 {
		return errors.New("tcpfabric: no peers")
	}

	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return fmt.Errorf("tcpfabric: rank %d outside a cluster of %d",
			c.Rank, len(c.Peers))
	}

	return nil
}

type sendRequest struct {
	done chan struct{}
	err  error
}

func (r *sendRequest) complete(err error) {
	r.err = err
	close(r.done)
}

func (r *sendRequest) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

func (r *sendRequest) Wait() error {
	<-r.done
	return r.err
}

type outFrame struct {
	lane    byte
	payload []byte
	req     *sendRequest
}

type peer struct {
	rank int
	conn net.Conn

	mu     sync.Mutex
	closed bool
	out    chan outFrame
}

func (p *peer) enqueue(f outFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fabric.ErrClosed
	}

	p.out <- f

	return nil
}

func (p *peer) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.out)
	}
}

// Fabric is one rank of a TCP mesh.
type Fabric struct {
	cfg    Config
	rank   int
	size   int
	prefix string
	logger *log.Logger

	peers []*peer
	inbox *fabric.Inbox
	coll  *collectives

	closed  atomic.Bool
	aborted atomic.Bool
	writers sync.WaitGroup
}

// Connect builds the mesh. It returns when a connection to every peer is
// established or when ctx is done.
func Connect(ctx context.Context, cfg Config) (*Fabric, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()

	f := &Fabric{
		cfg:    cfg,
		rank:   cfg.Rank,
		size:   len(cfg.Peers),
		prefix: fmt.Sprintf("tcpfabric[%d]", cfg.Rank),
		logger: cfg.Logger,
		peers:  make([]*peer, len(cfg.Peers)),
		inbox:  fabric.NewInbox(),
		coll:   newCollectives(),
	}

	conns, err := f.mesh(ctx)
	if err != nil {
		return nil, err
	}

	for rank, conn := range conns {
		if conn == nil {
			continue
		}

		p := &peer{rank: rank, conn: conn, out: make(chan outFrame, outQueueLen)}
		f.peers[rank] = p

		f.writers.Add(1)

		go f.writeLoop(p)
		go f.readLoop(p)
	}

	f.logger.Printf("%s: connected to %d peers", f.prefix, f.size-1)

	return f, nil
}

type dialResult struct {
	rank int
	conn net.Conn
	err  error
}

func (f *Fabric) mesh(ctx context.Context) ([]net.Conn, error) {
	ln := f.cfg.Listener
	if ln == nil && f.rank < f.size-1 {
		var err error

		ln, err = net.Listen("tcp", f.cfg.Peers[f.rank])
		if err != nil {
			return nil, fabric.NewError("listen", f.rank, -1, err)
		}
	}

	if ln != nil {
		defer ln.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan dialResult, f.size)

	for rank := 0; rank < f.rank; rank++ {
		go func(rank int) {
			conn, err := f.dial(ctx, rank)
			results <- dialResult{rank: rank, conn: conn, err: err}
		}(rank)
	}

	if higher := f.size - 1 - f.rank; higher > 0 {
		go f.acceptLoop(ctx, ln, higher, results)
	}

	conns := make([]net.Conn, f.size)
	var firstErr error

	for i := 0; i < f.size-1; i++ {
		var r dialResult
		select {
		case r = <-results:
		case <-ctx.Done():
			r = dialResult{rank: -1, err: ctx.Err()}
		}

		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
				cancel()

				if ln != nil {
					ln.Close()
				}
			}

			if r.rank < 0 {
				break
			}

			continue
		}

		conns[r.rank] = r.conn
	}

	if firstErr != nil {
		for _, c := range conns {
			if c != nil {
				c.Close()
			}
		}

		return nil, firstErr
	}

	return conns, nil
}

func (f *Fabric) dial(ctx context.Context, rank int) (net.Conn, error) {
	var conn net.Conn

	d := net.Dialer{Timeout: f.cfg.DialTimeout}
	report := func(err error) {
		if f.cfg.LogDebug {
			f.logger.Printf("%s: dialing rank %d: %v", f.prefix, rank, err)
		}
	}

	err := retry(ctx, f.cfg.MaxBackoff, report, func() error {
		c, err := d.DialContext(ctx, "tcp", f.cfg.Peers[rank])
		if err != nil {
			return err
		}

		if err := f.handshake(c, rank); err != nil {
			c.Close()
			return err
		}

		conn = c

		return nil
	})
	if err != nil {
		return nil, fabric.NewError("dial", f.rank, rank, err)
	}

	return conn, nil
}

// handshake runs the dialing side: send our hello, then check the reply.
func (f *Fabric) handshake(c net.Conn, rank int) error {
	_ = c.SetDeadline(time.Now().Add(f.cfg.DialTimeout))
	defer c.SetDeadline(time.Time{})

	if err := f.sendHello(c); err != nil {
		return err
	}

	h, err := f.recvHello(c)
	if err != nil {
		return err
	}

	if h.Size != f.size || h.Rank != rank {
		return errPermanent{fmt.Errorf("%w: expected rank %d of %d, got rank %d of %d",
			ErrHandshake, rank, f.size, h.Rank, h.Size)}
	}

	return nil
}

func (f *Fabric) sendHello(c net.Conn) error {
	data, err := msgpack.Marshal(&hello{Rank: f.rank, Size: f.size})
	if err != nil {
		return err
	}

	return writeFrame(c, laneHello, data)
}

func (f *Fabric) recvHello(c net.Conn) (hello, error) {
	lane, data, err := readFrame(c, f.cfg.MaxPacket)
	if err != nil {
		return hello{}, err
	}

	if lane != laneHello {
		return hello{}, fmt.Errorf("%w: lane %d before hello", ErrHandshake, lane)
	}

	var h hello
	if err := msgpack.Unmarshal(data, &h); err != nil {
		return hello{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return h, nil
}

func (f *Fabric) acceptLoop(
	ctx context.Context,
	ln net.Listener,
	want int,
	results chan<- dialResult,
) {
	seen := make(map[int]bool)

	for len(seen) < want {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				results <- dialResult{rank: -1, err: fabric.NewError("accept", f.rank, -1, err)}
			}

			return
		}

		rank, err := f.accept(c)
		if err == nil && (seen[rank] || rank <= f.rank) {
			err = fmt.Errorf("%w: unexpected rank %d", ErrHandshake, rank)
		}

		if err != nil {
			c.Close()

			if errors.Is(err, ErrHandshake) {
				results <- dialResult{rank: -1, err: fabric.NewError("accept", f.rank, rank, err)}
				return
			}

			f.logger.Printf("%s: dropping connection from %s: %v",
				f.prefix, c.RemoteAddr(), err)

			continue
		}

		seen[rank] = true
		results <- dialResult{rank: rank, conn: c}
	}
}

// accept runs the listening side of the handshake. It replies with its own
// hello before it checks the peer so that the peer sees the mismatch too.
func (f *Fabric) accept(c net.Conn) (int, error) {
	_ = c.SetDeadline(time.Now().Add(f.cfg.DialTimeout))
	defer c.SetDeadline(time.Time{})

	h, err := f.recvHello(c)
	if err != nil {
		return -1, err
	}

	if err := f.sendHello(c); err != nil {
		return -1, err
	}

	if h.Size != f.size || h.Rank < 0 || h.Rank >= f.size {
		return h.Rank, fmt.Errorf("%w: peer is rank %d of %d, local cluster has %d",
			ErrHandshake, h.Rank, h.Size, f.size)
	}

	return h.Rank, nil
}

func (f *Fabric) writeLoop(p *peer) {
	defer f.writers.Done()

	var failed error

	for fr := range p.out {
		if failed == nil {
			_ = p.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
			failed = writeFrame(p.conn, fr.lane, fr.payload)

			if f.cfg.LogDebug {
				f.logger.Printf("%s: wrote %d bytes on lane %d to %d",
					f.prefix, len(fr.payload), fr.lane, p.rank)
			}

			if failed != nil {
				f.fail(fabric.NewError("send to", f.rank, p.rank, failed))
			}
		}

		if fr.req != nil {
			fr.req.complete(failed)
		}
	}

	if tc, ok := p.conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

func (f *Fabric) readLoop(p *peer) {
	defer p.conn.Close()

	for {
		lane, payload, err := readFrame(p.conn, f.cfg.MaxPacket)
		if err != nil {
			if f.closed.Load() {
				return
			}

			if errors.Is(err, io.EOF) {
				f.logger.Printf("%s: rank %d left", f.prefix, p.rank)
				return
			}

			f.fail(fabric.NewError("receive from", f.rank, p.rank, err))

			return
		}

		if f.cfg.LogDebug {
			f.logger.Printf("%s: read %d bytes on lane %d from %d",
				f.prefix, len(payload), lane, p.rank)
		}

		switch {
		case lane < laneControl:
			f.inbox.Push(p.rank, fabric.Lane(lane), payload)
		case lane == laneControl:
			if err := f.handleControl(p.rank, payload); err != nil {
				f.fail(fabric.NewError("control from", f.rank, p.rank, err))
				return
			}
		default:
			f.fail(fabric.NewError("receive from", f.rank, p.rank,
				fmt.Errorf("%w: hello after handshake", ErrBadFrame)))
			return
		}
	}
}

func (f *Fabric) handleControl(src int, payload []byte) error {
	msg, err := decodeControl(payload)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case ctlEnter:
		if f.rank != 0 {
			return fmt.Errorf("collective entry at rank %d", f.rank)
		}

		return f.coll.enter(f.size, src, msg)
	case ctlRelease:
		f.coll.release(msg)
	case ctlAbort:
		f.logger.Printf("%s: rank %d aborted the cluster with code %d",
			f.prefix, src, msg.Code)
		f.aborted.Store(true)
		f.fail(fabric.NewError("abort", f.rank, src, fabric.ErrAborted))
	default:
		return fmt.Errorf("unknown control kind %d", msg.Kind)
	}

	return nil
}

// fail stops every waiter with err.
func (f *Fabric) fail(err error) {
	if !f.closed.Load() {
		f.logger.Printf("%s: %v", f.prefix, err)
	}

	f.inbox.Close(err)
	f.coll.fail(err)
}

// Rank returns the local rank.
func (f *Fabric) Rank() int {
	return f.rank
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return f.size
}

// ProcessorName returns the host name and the rank.
func (f *Fabric) ProcessorName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	return fmt.Sprintf("%s/%d", host, f.rank)
}

func (f *Fabric) check(op string, peer int) error {
	if f.aborted.Load() {
		return fabric.NewError(op, f.rank, peer, fabric.ErrAborted)
	}

	if f.closed.Load() {
		return fabric.NewError(op, f.rank, peer, fabric.ErrClosed)
	}

	if peer != fabric.AnySource && (peer < 0 || peer >= f.size) {
		return fabric.NewError(op, f.rank, peer, fabric.ErrInvalidRank)
	}

	return nil
}

// Isend queues a copy of data for dst. The request completes when the frame
// is written to the connection.
func (f *Fabric) Isend(dst int, lane fabric.Lane, data []byte) (fabric.Request, error) {
	if dst == fabric.AnySource {
		return nil, fabric.NewError("send to", f.rank, dst, fabric.ErrInvalidRank)
	}

	if err := f.check("send to", dst); err != nil {
		return nil, err
	}

	if !lane.Valid() {
		return nil, fabric.NewError("send to", f.rank, dst,
			fmt.Errorf("invalid lane %v", lane))
	}

	if len(data) > f.cfg.MaxPacket {
		return nil, fabric.NewError("send to", f.rank, dst,
			fmt.Errorf("packet of %d bytes over %d", len(data), f.cfg.MaxPacket))
	}

	buf := append([]byte(nil), data...)

	if dst == f.rank {
		f.inbox.Push(f.rank, lane, buf)
		return fabric.CompletedRequest{}, nil
	}

	req := &sendRequest{done: make(chan struct{})}
	if err := f.peers[dst].enqueue(outFrame{lane: byte(lane), payload: buf, req: req}); err != nil {
		return nil, fabric.NewError("send to", f.rank, dst, err)
	}

	return req, nil
}

// Iprobe reports whether a packet from src is waiting on lane.
func (f *Fabric) Iprobe(src int, lane fabric.Lane) (fabric.Status, bool, error) {
	if err := f.check("probe", src); err != nil {
		return fabric.Status{}, false, err
	}

	st, ok := f.inbox.Peek(src, lane)

	return st, ok, nil
}

// Probe blocks until a packet from src is waiting on lane.
func (f *Fabric) Probe(src int, lane fabric.Lane) (fabric.Status, error) {
	if err := f.check("probe", src); err != nil {
		return fabric.Status{}, err
	}

	st, err := f.inbox.Wait(src, lane)
	if err != nil {
		return fabric.Status{}, fabric.NewError("probe", f.rank, src, err)
	}

	return st, nil
}

// Recv copies the oldest packet from src on lane into buf.
func (f *Fabric) Recv(src int, lane fabric.Lane, buf []byte) (int, error) {
	if err := f.check("receive from", src); err != nil {
		return 0, err
	}

	n, err := f.inbox.Pop(src, lane, buf)
	if err != nil {
		return 0, fabric.NewError("receive from", f.rank, src, err)
	}

	return n, nil
}

func (f *Fabric) sendControl(dst int, msg control) error {
	data, err := encodeControl(msg)
	if err != nil {
		return err
	}

	return f.peers[dst].enqueue(outFrame{lane: laneControl, payload: data})
}

// collect runs one collective. Rank 0 waits for every entry and releases
// the other ranks; the others enter and wait for the release.
func (f *Fabric) collect(op collectiveOp, root int, data []byte) ([][]byte, error) {
	if err := f.check(op.String(), -1); err != nil {
		return nil, err
	}

	gen := f.coll.next()
	msg := control{Kind: ctlEnter, Op: op, Gen: gen, Root: root, Data: data}

	if f.rank != 0 {
		if err := f.sendControl(0, msg); err != nil {
			return nil, fabric.NewError(op.String(), f.rank, 0, err)
		}

		rel, err := f.coll.released(gen)
		if err != nil {
			return nil, fabric.NewError(op.String(), f.rank, 0, err)
		}

		return rel.Rows, nil
	}

	if err := f.coll.enter(f.size, 0, msg); err != nil {
		return nil, fabric.NewError(op.String(), f.rank, -1, err)
	}

	rows, err := f.coll.gathered(gen, f.size)
	if err != nil {
		return nil, fabric.NewError(op.String(), f.rank, -1, err)
	}

	for dst := 1; dst < f.size; dst++ {
		rel := control{Kind: ctlRelease, Op: op, Gen: gen, Root: root}
		if op == opAllGather || (op == opGather && dst == root) {
			rel.Rows = rows
		}

		if err := f.sendControl(dst, rel); err != nil {
			return nil, fabric.NewError(op.String(), f.rank, dst, err)
		}
	}

	return rows, nil
}

// Barrier blocks until every rank entered the barrier.
func (f *Fabric) Barrier() error {
	_, err := f.collect(opBarrier, 0, nil)
	return err
}

// Gather collects data from every rank at root. Other ranks receive nil.
func (f *Fabric) Gather(root int, data []byte) ([][]byte, error) {
	if err := f.check("gather at", root); err != nil {
		return nil, err
	}

	rows, err := f.collect(opGather, root, data)
	if err != nil || f.rank != root {
		return nil, err
	}

	return rows, nil
}

// AllGather collects data from every rank at every rank.
func (f *Fabric) AllGather(data []byte) ([][]byte, error) {
	return f.collect(opAllGather, 0, data)
}

// Abort tells every peer to stop and closes the local endpoint.
func (f *Fabric) Abort(code int) error {
	if f.aborted.Swap(true) {
		return nil
	}

	for _, p := range f.peers {
		if p == nil {
			continue
		}

		if err := f.sendControl(p.rank, control{Kind: ctlAbort, Code: code}); err != nil {
			f.logger.Printf("%s: abort to %d: %v", f.prefix, p.rank, err)
		}
	}

	f.fail(fabric.NewError("abort", f.rank, -1, fabric.ErrAborted))

	return f.Close()
}

// Close flushes the queued frames and closes the write side of every
// connection. Packets arriving later are dropped.
func (f *Fabric) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	for _, p := range f.peers {
		if p != nil {
			p.shutdown()
		}
	}

	f.writers.Wait()
	f.inbox.Close(fabric.ErrClosed)
	f.coll.fail(fabric.ErrClosed)

	return nil
}
