// comm.go - Schnittstelle zur verteilten Laufzeit
//
// Enthaelt:
// - Comm/Request: Punkt-zu-Punkt Primitive und Barrier
// - RegisterTransport/NewComm: Registrierung der Transporte (z.B. "tcp")
// - Init/Initialized/CurrentRank/WorldSize/Process: prozessweiter Zustand
package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/7blacky7/ringattention/ml"
)

var (
	// ErrShapeMismatch is returned when a received buffer does not match the
	// shape or dtype of the local receive buffer.
	ErrShapeMismatch = errors.New("ring: shape mismatch between neighbors")

	// ErrClosed is returned by operations on a closed runtime.
	ErrClosed = errors.New("ring: runtime closed")
)

// Comm is the distributed runtime a worker runs on. Implementations must
// deliver messages between a given pair of ranks in order.
type Comm interface {
	Rank() int
	Size() int

	// Send starts sending x to dst and returns immediately. The tensor may be
	// reused by the caller once Send returns.
	Send(ctx context.Context, x *ml.Tensor, dst int) (Request, error)

	// Recv blocks until a tensor from src has been written into buf.
	Recv(ctx context.Context, buf *ml.Tensor, src int) error

	// Barrier blocks until every rank has entered it.
	Barrier(ctx context.Context) error
}

// Request tracks a non-blocking send.
type Request interface {
	Wait() error
}

// TopologyOf returns the position of c in its ring.
func TopologyOf(c Comm) Topology {
	return NewTopology(c.Rank(), c.Size())
}

// TransportParams controls how a transport connects a worker to its ring.
type TransportParams struct {
	Rank int
	Size int

	// Job identifies the ring; peers of a different job are rejected.
	Job uuid.UUID

	// Addr is the local listen address, Peers the addresses by rank.
	Addr  string
	Peers []string

	// Timeout bounds individual network reads and writes. Zero disables
	// deadlines.
	Timeout time.Duration
}

var transports = make(map[string]func(context.Context, TransportParams) (Comm, error))

// RegisterTransport registers a transport factory.
func RegisterTransport(name string, f func(context.Context, TransportParams) (Comm, error)) {
	if _, ok := transports[name]; ok {
		panic("ring: transport already registered")
	}

	transports[name] = f
}

// NewComm connects a worker using the named transport.
func NewComm(ctx context.Context, name string, params TransportParams) (Comm, error) {
	if f, ok := transports[name]; ok {
		return f(ctx, params)
	}

	return nil, fmt.Errorf("ring: unsupported transport %q", name)
}

func init() {
	RegisterTransport("loopback", func(_ context.Context, params TransportParams) (Comm, error) {
		if params.Size > 1 {
			return nil, fmt.Errorf("ring: loopback transport cannot host %d workers", params.Size)
		}
		return NewWorld(1).Endpoint(0), nil
	})
}

var (
	process  atomic.Pointer[Comm]
	initOnce sync.Once

	loopback = sync.OnceValue(func() Comm {
		return NewWorld(1).Endpoint(0)
	})
)

// Init installs the process-wide runtime. It may only be called once.
func Init(c Comm) {
	installed := false
	initOnce.Do(func() {
		process.Store(&c)
		installed = true
	})
	if !installed {
		panic("ring: runtime already initialized")
	}
}

// Initialized reports whether Init has been called.
func Initialized() bool {
	return process.Load() != nil
}

// CurrentRank returns the rank of this process, 0 if not initialized.
func CurrentRank() int {
	if c := process.Load(); c != nil {
		return (*c).Rank()
	}
	return 0
}

// WorldSize returns the number of processes in the ring, 1 if not
// initialized.
func WorldSize() int {
	if c := process.Load(); c != nil {
		return (*c).Size()
	}
	return 1
}

// DefaultTopology returns the topology of this process.
func DefaultTopology() Topology {
	return NewTopology(CurrentRank(), WorldSize())
}

// Process returns the runtime installed by Init or, when none is installed,
// a single worker ring that passes tensors to itself.
func Process() Comm {
	if c := process.Load(); c != nil {
		return *c
	}
	return loopback()
}
