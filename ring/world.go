// world.go - In-Prozess Laufzeit fuer simulierte Ringe
//
// Enthaelt:
// - World: N Endpunkte, verbunden ueber ungepufferte Kanaele
// - Endpoint: Comm-Implementierung eines Ranks
// - barrier: wiederverwendbare Barrier mit Generationen
//
// Tensoren werden ueber Bytes/FromBytes kopiert, damit die Kodierung des
// DType genauso wie ueber TCP greift.
package ring

import (
	"context"
	"fmt"
	"sync"

	"github.com/7blacky7/ringattention/ml"
)

type message struct {
	dtype ml.DType
	shape []int
	data  []byte
}

// World connects size in-process endpoints. Each endpoint is meant to be
// driven by its own goroutine.
type World struct {
	size    int
	links   [][]chan message
	barrier *barrier

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWorld(size int) *World {
	checkSize(size)

	links := make([][]chan message, size)
	for src := range links {
		links[src] = make([]chan message, size)
		for dst := range links[src] {
			links[src][dst] = make(chan message)
		}
	}

	return &World{
		size:    size,
		links:   links,
		barrier: newBarrier(size),
		closed:  make(chan struct{}),
	}
}

func (w *World) Size() int {
	return w.size
}

// Endpoint returns the Comm of rank.
func (w *World) Endpoint(rank int) *Endpoint {
	NewTopology(rank, w.size)
	return &Endpoint{world: w, rank: rank}
}

// Endpoints returns the Comm of every rank.
func (w *World) Endpoints() []Comm {
	comms := make([]Comm, w.size)
	for i := range comms {
		comms[i] = w.Endpoint(i)
	}
	return comms
}

// Close unblocks every pending operation with ErrClosed.
func (w *World) Close() {
	w.closeOnce.Do(func() { close(w.closed) })
}

type Endpoint struct {
	world *World
	rank  int
}

func (e *Endpoint) Rank() int {
	return e.rank
}

func (e *Endpoint) Size() int {
	return e.world.size
}

func (e *Endpoint) checkRank(r int) error {
	if r < 0 || r >= e.world.size {
		return fmt.Errorf("ring: rank %d out of range for ring size %d", r, e.world.size)
	}
	return nil
}

func (e *Endpoint) Send(ctx context.Context, x *ml.Tensor, dst int) (Request, error) {
	if err := e.checkRank(dst); err != nil {
		return nil, err
	}

	msg := message{dtype: x.DType(), shape: x.Shape(), data: x.Bytes()}
	req := &request{done: make(chan error, 1)}
	link := e.world.links[e.rank][dst]

	go func() {
		select {
		case link <- msg:
			req.done <- nil
		case <-ctx.Done():
			req.done <- ctx.Err()
		case <-e.world.closed:
			req.done <- ErrClosed
		}
	}()

	return req, nil
}

func (e *Endpoint) Recv(ctx context.Context, buf *ml.Tensor, src int) error {
	if err := e.checkRank(src); err != nil {
		return err
	}

	select {
	case msg := <-e.world.links[src][e.rank]:
		probe := ml.Zeros(msg.dtype, msg.shape...)
		if !probe.SameLayout(buf) {
			return fmt.Errorf("%w: got %v, want %v", ErrShapeMismatch, probe, buf)
		}
		return buf.FromBytes(msg.data)
	case <-ctx.Done():
		return ctx.Err()
	case <-e.world.closed:
		return ErrClosed
	}
}

func (e *Endpoint) Barrier(ctx context.Context) error {
	return e.world.barrier.wait(ctx, e.world.closed)
}

type request struct {
	once sync.Once
	done chan error
	err  error
}

func (r *request) Wait() error {
	r.once.Do(func() { r.err = <-r.done })
	return r.err
}

type barrier struct {
	mu      sync.Mutex
	n       int
	count   int
	release chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{n: n, release: make(chan struct{})}
}

func (b *barrier) wait(ctx context.Context, closed <-chan struct{}) error {
	b.mu.Lock()
	release := b.release
	b.count++
	if b.count == b.n {
		close(release)
		b.release = make(chan struct{})
		b.count = 0
	}
	b.mu.Unlock()

	var err error
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-closed:
		err = ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.release != release {
		// die Runde wurde inzwischen freigegeben
		return nil
	}
	b.count--
	return err
}
