// MODUL: tcp_test
// ZWECK: Tests fuer die TCP-Laufzeit auf der Loopback-Schnittstelle
// INPUT: Listener auf 127.0.0.1:0, 1..3 Worker
// OUTPUT: Testresultate
// NEBENEFFEKTE: oeffnet lokale TCP-Verbindungen
// ABHAENGIGKEITEN: testing, errgroup, go-cmp, ring, ml/nn
// HINWEISE: Alle Worker laufen im selben Prozess, jeder mit eigener Runtime

package tcp

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ml/nn"
	"github.com/7blacky7/ringattention/ring"
)

// connectRing startet size Runtimes und verbindet sie zu einem Ring.
func connectRing(t *testing.T, ctx context.Context, size int) []*Runtime {
	t.Helper()

	lns := make([]net.Listener, size)
	peers := make([]string, size)
	for i := range lns {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		lns[i] = ln
		peers[i] = ln.Addr().String()
	}

	job := uuid.New()
	rts := make([]*Runtime, size)
	g, gctx := errgroup.WithContext(ctx)
	for i, ln := range lns {
		g.Go(func() error {
			rt, err := Connect(gctx, ln, ring.TransportParams{
				Rank:    i,
				Size:    size,
				Job:     job,
				Peers:   peers,
				Timeout: 5 * time.Second,
			})
			rts[i] = rt
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		for _, rt := range rts {
			rt.Close()
		}
	})
	return rts
}

func run(ctx context.Context, rts []*Runtime, fn func(ctx context.Context, rt *Runtime) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rt := range rts {
		g.Go(func() error { return fn(ctx, rt) })
	}
	return g.Wait()
}

func TestRotation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, size := range []int{1, 2, 3} {
		rts := connectRing(t, ctx, size)
		err := run(ctx, rts, func(ctx context.Context, rt *Runtime) error {
			p := ring.NewPass(rt)
			x := ml.Zeros(ml.DTypeBF16, 2, 4)
			for i := range x.Floats() {
				x.Floats()[i] = float32(rt.Rank())
			}

			for step := 1; step <= size; step++ {
				var err error
				if x, err = p.Forward(ctx, x); err != nil {
					return err
				}
				if got, want := x.Floats()[0], float32(p.Topology().Origin(step)); got != want {
					t.Errorf("Groesse %d Rank %d Schritt %d: %v, erwartet %v", size, rt.Rank(), step, got, want)
				}
			}

			for step := 1; step <= size; step++ {
				var err error
				if x, err = p.Backward(ctx, x); err != nil {
					return err
				}
			}
			if x.Floats()[0] != float32(rt.Rank()) {
				t.Errorf("Groesse %d Rank %d: nach Hin- und Rueckweg %v", size, rt.Rank(), x.Floats()[0])
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBarrierRepeated(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rts := connectRing(t, ctx, 3)
	err := run(ctx, rts, func(ctx context.Context, rt *Runtime) error {
		for range 10 {
			if err := rt.Barrier(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestShapeMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rts := connectRing(t, ctx, 2)
	req, err := rts[0].Send(ctx, ml.Zeros(ml.DTypeF32, 2, 3), 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.Wait(); err != nil {
		t.Fatal(err)
	}

	err = rts[1].Recv(ctx, ml.Zeros(ml.DTypeF32, 3, 2), 0)
	if !errors.Is(err, ring.ErrShapeMismatch) {
		t.Errorf("Fehler = %v, erwartet %v", err, ring.ErrShapeMismatch)
	}
}

func TestRecvAfterClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rts := connectRing(t, ctx, 2)
	rts[1].Close()

	err := rts[0].Recv(ctx, ml.Zeros(ml.DTypeF32, 1), 1)
	if !errors.Is(err, ring.ErrClosed) {
		t.Errorf("Fehler = %v, erwartet %v", err, ring.ErrClosed)
	}
}

func TestRejectsForeignJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rts := connectRing(t, ctx, 1)

	conn, err := net.Dial("tcp", rts[0].Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	w := newTimeoutWriter(conn, time.Second)
	if err := writeFrame(w, msgHello, hello{job: uuid.New(), rank: 0}.marshal()); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Errorf("Verbindung mit fremdem Job wurde nicht geschlossen")
	}
}

func TestFrameErrors(t *testing.T) {
	var f tensorFrame
	b := newTensorFrame(3, ml.Zeros(ml.DTypeF16, 2, 2)).marshal()
	if err := f.unmarshal(b[:len(b)-1]); !errors.Is(err, errFrame) {
		t.Errorf("abgeschnittener Frame: Fehler = %v, erwartet %v", err, errFrame)
	}

	if err := f.unmarshal(b); err != nil {
		t.Fatal(err)
	}
	if f.seq != 3 || f.dtype != ml.DTypeF16 || !cmp.Equal(f.shape, []int{2, 2}) || len(f.payload) != 8 {
		t.Errorf("Frame = %+v", f)
	}

	var h hello
	if err := h.unmarshal(hello{rank: 2}.marshal()[:3]); !errors.Is(err, errFrame) {
		t.Errorf("abgeschnittenes Hello: Fehler = %v, erwartet %v", err, errFrame)
	}
}

func TestReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	r := newTimeoutReader(a, 50*time.Millisecond)
	_, err := r.Read(make([]byte, 1))

	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Errorf("Fehler = %v, erwartet Timeout", err)
	}
}

func TestRingAttentionOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const size, n, dim = 3, 2, 16
	opts := []nn.AttentionOption{nn.WithHeads(2), nn.WithHeadDim(8), nn.WithCausal(), nn.WithSeed(17)}

	rng := rand.New(rand.NewPCG(5, 6))
	x := ml.Zeros(ml.DTypeF32, 1, size*n, dim)
	for i := range x.Floats() {
		x.Floats()[i] = float32(2*rng.Float64() - 1)
	}
	want := nn.NewAttention(dim, opts...).Forward(x, nil)

	rts := connectRing(t, ctx, size)
	outs := make([]*ml.Tensor, size)
	err := run(ctx, rts, func(ctx context.Context, rt *Runtime) error {
		r := rt.Rank()
		ra := nn.NewRingAttention(nn.NewAttention(dim, opts...), rt)
		out, err := ra.Forward(ctx, x.Narrow(1, r*n, n), nil)
		outs[r] = out
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	got := ml.Concat(1, outs...)
	if diff := cmp.Diff(want.Floats(), got.Floats(), cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("Ausgabe ueber TCP weicht ab (-want +got):\n%s", diff)
	}
}

func TestRegisteredTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := ring.NewComm(ctx, "tcp", ring.TransportParams{
		Size:  1,
		Job:   uuid.New(),
		Addr:  "127.0.0.1:0",
		Peers: []string{"127.0.0.1:0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.(*Runtime).Close()

	x := ml.FromFloats([]float32{1, 2, 3}, 3)
	y, err := ring.Exchange(ctx, c, x, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(x.Floats(), y.Floats()); diff != "" {
		t.Errorf("Selbst-Austausch (-want +got):\n%s", diff)
	}
}
