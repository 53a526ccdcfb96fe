// MODUL: topology_test
// ZWECK: Tests fuer Nachbar-Berechnung und Shard-Herkunft
// INPUT: Ringgroessen 1..8
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing
// HINWEISE: Ringgroesse < 1 ist ein Programmierfehler (panic)

package ring

import "testing"

func TestSelfLoop(t *testing.T) {
	if got := LeftNeighbor(0, 1); got != 0 {
		t.Errorf("LeftNeighbor(0, 1) = %d, erwartet 0", got)
	}
	if got := RightNeighbor(0, 1); got != 0 {
		t.Errorf("RightNeighbor(0, 1) = %d, erwartet 0", got)
	}
}

func TestNeighborsAreInverse(t *testing.T) {
	for size := 2; size <= 8; size++ {
		for rank := range size {
			if got := RightNeighbor(LeftNeighbor(rank, size), size); got != rank {
				t.Errorf("right(left(%d)) bei Groesse %d = %d", rank, size, got)
			}
			if got := LeftNeighbor(RightNeighbor(rank, size), size); got != rank {
				t.Errorf("left(right(%d)) bei Groesse %d = %d", rank, size, got)
			}
		}
	}
}

func TestNeighborValues(t *testing.T) {
	cases := []struct {
		rank, size, left, right int
	}{
		{0, 4, 3, 1},
		{3, 4, 2, 0},
		{1, 2, 0, 0},
	}

	for _, tt := range cases {
		topo := NewTopology(tt.rank, tt.size)
		if topo.Left() != tt.left || topo.Right() != tt.right {
			t.Errorf("%v: erwartet left %d right %d", topo, tt.left, tt.right)
		}
	}
}

func TestOrigin(t *testing.T) {
	topo := NewTopology(1, 4)
	want := []int{1, 0, 3, 2, 1}
	for step, w := range want {
		if got := topo.Origin(step); got != w {
			t.Errorf("Origin(%d) = %d, erwartet %d", step, got, w)
		}
	}
}

func TestInvalidSizePanics(t *testing.T) {
	for _, fn := range []func(){
		func() { LeftNeighbor(0, 0) },
		func() { RightNeighbor(0, -1) },
		func() { NewTopology(4, 4) },
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Error("erwartet panic")
				}
			}()
			fn()
		}()
	}
}

func TestDefaultsWithoutRuntime(t *testing.T) {
	if Initialized() {
		t.Skip("Laufzeit bereits initialisiert")
	}
	if CurrentRank() != 0 || WorldSize() != 1 {
		t.Errorf("Standardwerte = %d/%d, erwartet 0/1", CurrentRank(), WorldSize())
	}
	if topo := DefaultTopology(); topo.Left() != 0 || topo.Right() != 0 {
		t.Errorf("DefaultTopology = %v", topo)
	}
}
