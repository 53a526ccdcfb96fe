// pass.go - Ein Ring-Schritt mit Vorwaerts- und Rueckwaertsrichtung
//
// Enthaelt:
// - Exchange: send/recv/wait/barrier zwischen zwei Nachbarn
// - Pass: differenzierbare Operation, Forward nach rechts, Backward nach links
package ring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/7blacky7/ringattention/logutil"
	"github.com/7blacky7/ringattention/ml"
)

// Exchange sends x to sendTo and receives a tensor of the same shape and
// dtype from recvFrom into a freshly allocated buffer. It returns only after
// the send has completed and every rank has passed the barrier, so no rank
// can start the next exchange while another still reads this one.
//
// Every rank of the ring must call Exchange in the same round or the ring
// stalls.
func Exchange(ctx context.Context, c Comm, x *ml.Tensor, sendTo, recvFrom int) (*ml.Tensor, error) {
	buf := ml.Zeros(x.DType(), x.Shape()...)

	req, err := c.Send(ctx, x, sendTo)
	if err != nil {
		return nil, fmt.Errorf("send to rank %d: %w", sendTo, err)
	}

	if err := c.Recv(ctx, buf, recvFrom); err != nil {
		// der Send muss trotzdem abgeschlossen sein, sein Fehler zaehlt nicht
		_ = req.Wait()
		return nil, fmt.Errorf("receive from rank %d: %w", recvFrom, err)
	}

	if err := req.Wait(); err != nil {
		return nil, fmt.Errorf("send to rank %d: %w", sendTo, err)
	}

	if err := c.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("barrier: %w", err)
	}

	logutil.Trace("ring exchange", "rank", c.Rank(), "to", sendTo, "from", recvFrom, "tensor", x)
	return buf, nil
}

// Pass moves a tensor one hop around the ring. Forward sends to the right
// neighbor; Backward is its adjoint and sends to the left, so the gradient
// of a value that travelled right during the forward pass flows back to the
// rank it came from. Since a rotation is a permutation, Backward is also
// the inverse rotation.
type Pass struct {
	comm Comm
	topo Topology
}

// NewPass binds a pass to comm. A nil comm uses the process runtime.
func NewPass(comm Comm) *Pass {
	if comm == nil {
		comm = Process()
	}
	return &Pass{comm: comm, topo: TopologyOf(comm)}
}

func (p *Pass) Topology() Topology {
	return p.topo
}

func (p *Pass) Forward(ctx context.Context, x *ml.Tensor) (*ml.Tensor, error) {
	out, err := Exchange(ctx, p.comm, x, p.topo.Right(), p.topo.Left())
	if err != nil {
		slog.Error("ring pass forward failed", "topology", p.topo, "error", err)
		return nil, err
	}
	return out, nil
}

func (p *Pass) Backward(ctx context.Context, grad *ml.Tensor) (*ml.Tensor, error) {
	out, err := Exchange(ctx, p.comm, grad, p.topo.Left(), p.topo.Right())
	if err != nil {
		slog.Error("ring pass backward failed", "topology", p.topo, "error", err)
		return nil, err
	}
	return out, nil
}
