// MODUL: world_test
// ZWECK: Tests fuer die Barriere der simulierten World
// INPUT: World mit 2 Endpunkten, abgebrochene Kontexte
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing
// HINWEISE: Ein abgebrochener Teilnehmer darf die naechste Runde nicht mitzaehlen

package ring

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestBarrierCanceledWaiterDoesNotCount(t *testing.T) {
	w := NewWorld(2)
	defer w.Close()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Endpoint(0).Barrier(canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fehler = %v, erwartet %v", err, context.Canceled)
	}

	// Rank 1 allein darf die Barriere nicht passieren
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Endpoint(1).Barrier(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fehler = %v, erwartet %v", err, context.DeadlineExceeded)
	}

	// danach funktioniert die Barriere weiter mit beiden Ranks
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var g errgroup.Group
	for _, c := range w.Endpoints() {
		g.Go(func() error { return c.Barrier(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Barriere nach Abbruch: %v", err)
	}
}
