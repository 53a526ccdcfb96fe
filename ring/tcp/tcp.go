// tcp.go - Ring-Laufzeit ueber TCP
//
// Enthaelt:
// - Runtime: ring.Comm ueber eine Verbindung je Richtung und Nachbar
// - Connect: Listener uebernehmen, Nachbarn anwaehlen, Hello austauschen
// - Barrier: zwei Token-Runden ueber den Ring
//
// Registriert den Transport "tcp" bei ring.RegisterTransport.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/ringattention/logutil"
	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ring"
)

const (
	inboxSize  = 16
	retryDelay = 100 * time.Millisecond
)

func init() {
	ring.RegisterTransport("tcp", func(ctx context.Context, params ring.TransportParams) (ring.Comm, error) {
		ln, err := net.Listen("tcp", params.Addr)
		if err != nil {
			return nil, err
		}
		rt, err := Connect(ctx, ln, params)
		if err != nil {
			return nil, err
		}
		return rt, nil
	})
}

type outgoing struct {
	msgType uint64
	content []byte
	done    chan error
}

// peer is the outgoing connection to one rank. A single writer goroutine
// drains the queue so frames leave in the order Send was called.
type peer struct {
	rank  int
	conn  net.Conn
	queue chan outgoing

	mu  sync.Mutex
	seq uint64
}

// Runtime connects one worker to its ring over TCP. Frames from a rank are
// read by one goroutine per accepted connection and handed to Recv and
// Barrier through per-rank inboxes.
type Runtime struct {
	topo    ring.Topology
	job     uuid.UUID
	peers   []string
	timeout time.Duration

	ln net.Listener

	tensors  []chan tensorFrame
	barriers []chan barrierFrame
	lap      uint64

	mu       sync.Mutex
	outgoing map[int]*peer
	incoming []net.Conn

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// Connect takes ownership of ln, accepts connections from other ranks and
// dials both neighbors, retrying until ctx is done. Every worker of the ring
// must call Connect with the same job and peer list.
func Connect(ctx context.Context, ln net.Listener, params ring.TransportParams) (*Runtime, error) {
	if len(params.Peers) != params.Size {
		ln.Close()
		return nil, fmt.Errorf("tcp: %d peer addresses for ring size %d", len(params.Peers), params.Size)
	}
	if params.Rank < 0 || params.Rank >= params.Size {
		ln.Close()
		return nil, fmt.Errorf("tcp: rank %d out of range for ring size %d", params.Rank, params.Size)
	}

	r := &Runtime{
		topo:     ring.NewTopology(params.Rank, params.Size),
		job:      params.Job,
		peers:    params.Peers,
		timeout:  params.Timeout,
		ln:       ln,
		tensors:  make([]chan tensorFrame, params.Size),
		barriers: make([]chan barrierFrame, params.Size),
		outgoing: make(map[int]*peer),
		closed:   make(chan struct{}),
	}
	for i := range params.Size {
		r.tensors[i] = make(chan tensorFrame, inboxSize)
		r.barriers[i] = make(chan barrierFrame, inboxSize)
	}

	go r.accept()

	g, gctx := errgroup.WithContext(ctx)
	neighbors := []int{r.topo.Left()}
	if r.topo.Right() != r.topo.Left() {
		neighbors = append(neighbors, r.topo.Right())
	}
	for _, rank := range neighbors {
		if rank == r.topo.Rank {
			continue
		}
		g.Go(func() error {
			_, err := r.peer(gctx, rank)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		r.Close()
		return nil, err
	}

	slog.Info("ring runtime connected", "topology", r.topo, "job", r.job, "addr", ln.Addr())
	return r, nil
}

func (r *Runtime) Rank() int {
	return r.topo.Rank
}

func (r *Runtime) Size() int {
	return r.topo.Size
}

// Addr is the address other ranks connect to.
func (r *Runtime) Addr() net.Addr {
	return r.ln.Addr()
}

// Close stops accepting, closes every connection and fails pending
// operations with ring.ErrClosed.
func (r *Runtime) Close() error {
	r.fail(nil)
	return nil
}

func (r *Runtime) fail(err error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = err
		for _, p := range r.outgoing {
			p.conn.Close()
		}
		for _, c := range r.incoming {
			c.Close()
		}
		r.mu.Unlock()

		r.ln.Close()
		close(r.closed)

		if err != nil && !errors.Is(err, io.EOF) {
			slog.Error("ring runtime failed", "topology", r.topo, "error", err)
		}
	})
}

func (r *Runtime) closedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return fmt.Errorf("%w: %w", ring.ErrClosed, r.err)
	}
	return ring.ErrClosed
}

func (r *Runtime) checkRank(rank int) error {
	if rank < 0 || rank >= r.topo.Size {
		return fmt.Errorf("tcp: rank %d out of range for ring size %d", rank, r.topo.Size)
	}
	return nil
}

// peer returns the outgoing connection to rank, dialing it on first use.
func (r *Runtime) peer(ctx context.Context, rank int) (*peer, error) {
	r.mu.Lock()
	p, ok := r.outgoing[rank]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	conn, err := r.dial(ctx, rank)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.outgoing[rank]; ok {
		conn.Close()
		return p, nil
	}

	select {
	case <-r.closed:
		conn.Close()
		return nil, ring.ErrClosed
	default:
	}

	p = &peer{rank: rank, conn: conn, queue: make(chan outgoing, inboxSize)}
	r.outgoing[rank] = p
	go r.write(p)
	return p, nil
}

func (r *Runtime) dial(ctx context.Context, rank int) (net.Conn, error) {
	addr := r.peers[rank]
	d := net.Dialer{Timeout: r.timeout}
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			w := newTimeoutWriter(conn, r.timeout)
			if err := writeFrame(w, msgHello, hello{job: r.job, rank: r.topo.Rank}.marshal()); err != nil {
				conn.Close()
				return nil, fmt.Errorf("tcp: hello to rank %d: %w", rank, err)
			}
			slog.Debug("ring peer dialed", "rank", r.topo.Rank, "peer", rank, "addr", addr, "attempts", attempt)
			return conn, nil
		}

		logutil.Trace("ring peer not reachable", "peer", rank, "addr", addr, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tcp: dial rank %d at %s: %w", rank, addr, errors.Join(ctx.Err(), err))
		case <-r.closed:
			return nil, ring.ErrClosed
		case <-time.After(retryDelay):
		}
	}
}

func (r *Runtime) write(p *peer) {
	w := newTimeoutWriter(p.conn, r.timeout)
	for {
		select {
		case out := <-p.queue:
			err := writeFrame(w, out.msgType, out.content)
			if err != nil {
				err = fmt.Errorf("tcp: write to rank %d: %w", p.rank, err)
				r.fail(err)
			}
			out.done <- err
		case <-r.closed:
			return
		}
	}
}

func (r *Runtime) accept() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			select {
			case <-r.closed:
			default:
				r.fail(fmt.Errorf("tcp: accept: %w", err))
			}
			return
		}

		r.mu.Lock()
		r.incoming = append(r.incoming, conn)
		r.mu.Unlock()

		go r.handle(conn)
	}
}

// handle reads the frames of one incoming connection. The first frame must
// be a hello of this job.
func (r *Runtime) handle(conn net.Conn) {
	reader := newTimeoutReader(conn, r.timeout)

	msgType, content, err := readFrame(reader)
	if err != nil {
		slog.Warn("ring connection dropped before hello", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	var h hello
	if msgType != msgHello {
		err = fmt.Errorf("%w: expected hello, got type %d", errFrame, msgType)
	} else if err = h.unmarshal(content); err == nil {
		if h.job != r.job {
			err = fmt.Errorf("job %s, expected %s", h.job, r.job)
		} else {
			err = r.checkRank(h.rank)
		}
	}
	if err != nil {
		slog.Warn("ring connection rejected", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	src := h.rank
	var next uint64
	for {
		if err := reader.wait(); err != nil {
			r.dropped(src, err)
			return
		}

		msgType, content, err := readFrame(reader)
		if err != nil {
			r.dropped(src, err)
			return
		}

		switch msgType {
		case msgTensor:
			var f tensorFrame
			if err = f.unmarshal(content); err == nil && f.seq != next {
				err = fmt.Errorf("%w: sequence %d, expected %d", errFrame, f.seq, next)
			}
			if err != nil {
				r.fail(fmt.Errorf("tcp: frame from rank %d: %w", src, err))
				return
			}
			next++

			select {
			case r.tensors[src] <- f:
			case <-r.closed:
				return
			}
		case msgBarrier:
			var f barrierFrame
			if err := f.unmarshal(content); err != nil {
				r.fail(fmt.Errorf("tcp: frame from rank %d: %w", src, err))
				return
			}

			select {
			case r.barriers[src] <- f:
			case <-r.closed:
				return
			}
		default:
			r.fail(fmt.Errorf("tcp: %w: unknown message type %d from rank %d", errFrame, msgType, src))
			return
		}
	}
}

// dropped closes the runtime when an incoming connection ends. Frames read
// before the end are still delivered.
func (r *Runtime) dropped(src int, err error) {
	select {
	case <-r.closed:
		return
	default:
	}

	if errors.Is(err, io.EOF) {
		slog.Debug("ring peer disconnected", "rank", r.topo.Rank, "peer", src)
	}
	r.fail(fmt.Errorf("tcp: connection from rank %d: %w", src, err))
}

func (r *Runtime) enqueue(ctx context.Context, rank int, msgType uint64, content func(*peer) []byte) (chan error, error) {
	p, err := r.peer(ctx, rank)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := outgoing{msgType: msgType, content: content(p), done: make(chan error, 1)}
	select {
	case p.queue <- out:
		return out.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, r.closedErr()
	}
}

type request struct {
	rt *Runtime

	once sync.Once
	done chan error
	err  error
}

func (q *request) Wait() error {
	q.once.Do(func() {
		select {
		case q.err = <-q.done:
		case <-q.rt.closed:
			select {
			case q.err = <-q.done:
			default:
				q.err = q.rt.closedErr()
			}
		}
	})
	return q.err
}

func (r *Runtime) Send(ctx context.Context, x *ml.Tensor, dst int) (ring.Request, error) {
	if err := r.checkRank(dst); err != nil {
		return nil, err
	}

	if dst == r.topo.Rank {
		f := newTensorFrame(0, x)
		req := &request{rt: r, done: make(chan error, 1)}
		go func() {
			select {
			case r.tensors[dst] <- f:
				req.done <- nil
			case <-ctx.Done():
				req.done <- ctx.Err()
			case <-r.closed:
				req.done <- r.closedErr()
			}
		}()
		return req, nil
	}

	done, err := r.enqueue(ctx, dst, msgTensor, func(p *peer) []byte {
		f := newTensorFrame(p.seq, x)
		p.seq++
		return f.marshal()
	})
	if err != nil {
		return nil, err
	}
	return &request{rt: r, done: done}, nil
}

func (r *Runtime) Recv(ctx context.Context, buf *ml.Tensor, src int) error {
	if err := r.checkRank(src); err != nil {
		return err
	}

	f, err := receive(ctx, r, r.tensors[src])
	if err != nil {
		return err
	}
	if err := f.decode(buf); err != nil {
		return fmt.Errorf("%w: %w", ring.ErrShapeMismatch, err)
	}
	return nil
}

// receive takes the next frame of inbox. Frames that arrived before the
// runtime closed are still delivered.
func receive[T any](ctx context.Context, r *Runtime, inbox chan T) (T, error) {
	var zero T
	select {
	case f := <-inbox:
		return f, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.closed:
		select {
		case f := <-inbox:
			return f, nil
		default:
			return zero, r.closedErr()
		}
	}
}

func (r *Runtime) sendBarrier(ctx context.Context, lap uint64) error {
	done, err := r.enqueue(ctx, r.topo.Right(), msgBarrier, func(*peer) []byte {
		return barrierFrame{lap: lap}.marshal()
	})
	if err != nil {
		return err
	}
	return (&request{rt: r, done: done}).Wait()
}

func (r *Runtime) recvBarrier(ctx context.Context, lap uint64) error {
	f, err := receive(ctx, r, r.barriers[r.topo.Left()])
	if err != nil {
		return err
	}
	if f.lap != lap {
		return fmt.Errorf("tcp: barrier lap %d, expected %d", f.lap, lap)
	}
	return nil
}

// Barrier passes a token around the ring twice. Rank 0 starts each lap;
// when the first lap returns every rank has arrived, and the second lap
// releases them. Barrier is not safe for concurrent use.
func (r *Runtime) Barrier(ctx context.Context) error {
	if r.topo.Size == 1 {
		return ctx.Err()
	}

	for range 2 {
		r.lap++
		if r.topo.Rank == 0 {
			if err := r.sendBarrier(ctx, r.lap); err != nil {
				return err
			}
			if err := r.recvBarrier(ctx, r.lap); err != nil {
				return err
			}
			continue
		}

		if err := r.recvBarrier(ctx, r.lap); err != nil {
			return err
		}
		if err := r.sendBarrier(ctx, r.lap); err != nil {
			return err
		}
	}
	return nil
}
