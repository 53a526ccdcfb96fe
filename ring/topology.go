// topology.go - Ring-Topologie: linke/rechte Nachbarn
//
// Enthaelt:
// - LeftNeighbor/RightNeighbor: reine Indexfunktionen
// - Topology: Rank und Ringgroesse eines Workers
// - Origin: Herkunft des nach n Rotationen gehaltenen Shards
package ring

import "fmt"

func checkSize(size int) {
	if size < 1 {
		panic(fmt.Errorf("ring: invalid ring size %d", size))
	}
}

// LeftNeighbor returns the rank a worker receives from during a forward
// pass. For a ring of one it is the worker itself.
func LeftNeighbor(rank, size int) int {
	checkSize(size)
	return ((rank-1)%size + size) % size
}

// RightNeighbor returns the rank a worker sends to during a forward pass.
func RightNeighbor(rank, size int) int {
	checkSize(size)
	return ((rank+1)%size + size) % size
}

// Topology is the immutable position of one worker in the ring.
type Topology struct {
	Rank int
	Size int
}

// NewTopology validates rank and size.
func NewTopology(rank, size int) Topology {
	checkSize(size)
	if rank < 0 || rank >= size {
		panic(fmt.Errorf("ring: rank %d out of range for ring size %d", rank, size))
	}
	return Topology{Rank: rank, Size: size}
}

func (t Topology) Left() int {
	return LeftNeighbor(t.Rank, t.Size)
}

func (t Topology) Right() int {
	return RightNeighbor(t.Rank, t.Size)
}

// Origin returns the rank whose shard this worker holds after step forward
// rotations.
func (t Topology) Origin(step int) int {
	checkSize(t.Size)
	return ((t.Rank-step)%t.Size + t.Size) % t.Size
}

func (t Topology) String() string {
	return fmt.Sprintf("rank %d/%d (left %d, right %d)", t.Rank, t.Size, t.Left(), t.Right())
}
