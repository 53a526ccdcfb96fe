// cmd_worker.go - Einem Ring beitreten und einen Shard berechnen
// Hauptfunktionen: WorkerHandler, runWorker
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/7blacky7/ringattention/api"
	"github.com/7blacky7/ringattention/envconfig"
	"github.com/7blacky7/ringattention/ml"
	"github.com/7blacky7/ringattention/ml/nn"
	"github.com/7blacky7/ringattention/ring"
	"github.com/7blacky7/ringattention/ring/tcp"
)

const peerPollInterval = 200 * time.Millisecond

// workerParams - Alles was ein Worker ausserhalb der Flags braucht
type workerParams struct {
	client     *api.Client
	ln         net.Listener
	rank       *int
	timeout    time.Duration
	shardDType ml.DType

	// install wird mit der verbundenen Laufzeit aufgerufen, vor dem Forward
	install func(ring.Comm)
}

// workerResult - Ergebnis eines Workers fuer die Zusammenfassung
type workerResult struct {
	rank, world int
	job         string
	out, dx     *ml.Tensor
}

// WorkerHandler - Registriert sich, verbindet den Ring und rechnet
func WorkerHandler(cmd *cobra.Command, _ []string) error {
	setupLogging()

	cfg, err := runConfigFromFlags(cmd)
	if err != nil {
		return err
	}

	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", envconfig.Addr())
	if err != nil {
		return err
	}

	var rank *int
	if r, ok := envconfig.Rank(); ok {
		rank = &r
	}

	res, err := runWorker(cmd.Context(), cfg, workerParams{
		client:     client,
		ln:         ln,
		rank:       rank,
		timeout:    envconfig.Timeout(),
		shardDType: envconfig.ShardDType(),
		install:    ring.Init,
	})
	if err != nil {
		return err
	}

	return printWorkerResult(os.Stdout, cfg, res)
}

// runWorker - Rendezvous, TCP-Ring, dann Forward (und Backward) auf dem Shard.
// ln gehoert danach der Laufzeit.
func runWorker(ctx context.Context, cfg runConfig, p workerParams) (workerResult, error) {
	reg, err := p.client.Register(ctx, &api.RegisterRequest{Addr: p.ln.Addr().String(), Rank: p.rank})
	if err != nil {
		p.ln.Close()
		return workerResult{}, fmt.Errorf("register: %w", err)
	}
	slog.Info("registered", "job", reg.Job, "rank", reg.Rank, "world", reg.World)

	if err := cfg.checkShardable(reg.World); err != nil {
		p.ln.Close()
		return workerResult{}, err
	}

	peers, err := p.client.WaitPeers(ctx, peerPollInterval)
	if err != nil {
		p.ln.Close()
		return workerResult{}, fmt.Errorf("wait for peers: %w", err)
	}

	rt, err := tcp.Connect(ctx, p.ln, ring.TransportParams{
		Rank:    reg.Rank,
		Size:    reg.World,
		Job:     reg.Job,
		Peers:   peers.Peers,
		Timeout: p.timeout,
	})
	if err != nil {
		return workerResult{}, fmt.Errorf("connect ring: %w", err)
	}
	defer rt.Close()

	if p.install != nil {
		p.install(rt)
	}

	attn, err := cfg.attention()
	if err != nil {
		return workerResult{}, err
	}

	ra := nn.NewRingAttention(attn, rt)
	ra.ShardDType = p.shardDType

	x := shard(cfg.input(), reg.Rank, reg.World)
	mask := shard(cfg.mask(), reg.Rank, reg.World)

	start := time.Now()
	out, err := ra.Forward(ctx, x, mask)
	if err != nil {
		return workerResult{}, err
	}
	slog.Info("forward done", "rank", reg.Rank, "duration", time.Since(start))

	res := workerResult{rank: reg.Rank, world: reg.World, job: reg.Job.String(), out: out}
	if cfg.backward {
		start = time.Now()
		res.dx, err = ra.Backward(ctx, shard(cfg.gradOutput(), reg.Rank, reg.World))
		if err != nil {
			return workerResult{}, err
		}
		slog.Info("backward done", "rank", reg.Rank, "duration", time.Since(start))
	}

	// Alle Worker warten aufeinander bevor die Verbindungen schliessen
	if err := rt.Barrier(ctx); err != nil {
		return workerResult{}, err
	}

	return res, nil
}

func printWorkerResult(w io.Writer, cfg runConfig, res workerResult) error {
	n := cfg.seq / res.world
	row := []string{
		res.job,
		strconv.Itoa(res.rank),
		fmt.Sprintf("%d-%d", res.rank*n, (res.rank+1)*n-1),
		fmt.Sprintf("%.6f", norm(res.out.Floats())),
	}
	header := []string{"JOB", "RANK", "POSITIONS", "OUTPUT NORM"}
	if res.dx != nil {
		header = append(header, "GRAD NORM")
		row = append(row, fmt.Sprintf("%.6f", norm(res.dx.Floats())))
	}

	table := newTable(w, header)
	table.Append(row)
	table.Render()
	return nil
}
