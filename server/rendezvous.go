// rendezvous.go - Rank-Vergabe fuer einen Ring
//
// Enthaelt:
// - Rendezvous: Job-ID, Ringgroesse und Adressen je Rank
// - Register: Rank vergeben (fest oder kleinster freier)
// - Peers/Status: Momentaufnahmen fuer die Handler
package server

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/7blacky7/ringattention/api"
)

var (
	errRingFull  = errors.New("ring is full")
	errRankTaken = errors.New("rank already taken")
	errBadRank   = errors.New("rank out of range")
	errNoAddr    = errors.New("missing addr")
)

// Rendezvous hands out ranks of one ring. A worker registering the same
// address twice keeps its rank.
type Rendezvous struct {
	job   uuid.UUID
	world int

	mu    sync.Mutex
	peers []string
}

func NewRendezvous(world int) *Rendezvous {
	if world < 1 {
		panic(fmt.Errorf("invalid ring size %d", world))
	}
	return &Rendezvous{job: uuid.New(), world: world, peers: make([]string, world)}
}

func (r *Rendezvous) Job() uuid.UUID {
	return r.job
}

func (r *Rendezvous) Register(req api.RegisterRequest) (api.RegisterResponse, error) {
	if req.Addr == "" {
		return api.RegisterResponse{}, errNoAddr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resp := api.RegisterResponse{Job: r.job, World: r.world}
	if i := slices.Index(r.peers, req.Addr); i >= 0 {
		if req.Rank != nil && *req.Rank != i {
			return resp, fmt.Errorf("%w: %s holds rank %d", errRankTaken, req.Addr, i)
		}
		resp.Rank = i
		return resp, nil
	}

	rank := slices.Index(r.peers, "")
	if req.Rank != nil {
		rank = *req.Rank
		if rank < 0 || rank >= r.world {
			return resp, fmt.Errorf("%w: %d (ring size %d)", errBadRank, rank, r.world)
		}
		if r.peers[rank] != "" {
			return resp, fmt.Errorf("%w: %d", errRankTaken, rank)
		}
	}
	if rank < 0 {
		return resp, errRingFull
	}

	r.peers[rank] = req.Addr
	resp.Rank = rank
	return resp, nil
}

func (r *Rendezvous) registered() int {
	n := 0
	for _, p := range r.peers {
		if p != "" {
			n++
		}
	}
	return n
}

func (r *Rendezvous) Peers() api.PeersResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	return api.PeersResponse{
		Job:   r.job,
		World: r.world,
		Ready: r.registered() == r.world,
		Peers: slices.Clone(r.peers),
	}
}

func (r *Rendezvous) Status() api.StatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.registered()
	return api.StatusResponse{
		Job:        r.job,
		World:      r.world,
		Registered: n,
		Ready:      n == r.world,
	}
}
