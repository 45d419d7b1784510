// Package cost keeps the running dollar ledger per change request.
package cost

import (
	"log"
	"sync"

	"github.com/lucasnoah/crfactory/internal/event"
	"github.com/lucasnoah/crfactory/internal/pipeline"
)

// Accumulator adds incremental agent costs to a CR's running total and emits
// cost_update events. Totals are monotonically non-decreasing; a negative
// delta is logged and ignored.
type Accumulator struct {
	mu    sync.Mutex
	store *pipeline.Store
	bus   *event.Bus
}

// New creates an Accumulator backed by the CR store and event bus.
func New(store *pipeline.Store, bus *event.Bus) *Accumulator {
	return &Accumulator{store: store, bus: bus}
}

// Add records an incremental cost for a CR and returns the new total.
// The emitted cost_update carries both the authoritative total and the delta.
func (a *Accumulator) Add(crID, stage string, deltaUSD float64) float64 {
	if deltaUSD < 0 {
		log.Printf("ignoring negative cost delta %.4f for cr %s", deltaUSD, crID)
		return a.Total(crID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var total float64
	err := a.store.UpdateCR(crID, func(cr *pipeline.ChangeRequest) {
		cr.CostUSD += deltaUSD
		total = cr.CostUSD
	})
	if err != nil {
		log.Printf("cost update failed for cr %s: %v", crID, err)
		return 0
	}

	a.bus.Publish(event.Event{
		CR:    crID,
		Type:  event.TypeCostUpdate,
		Stage: stage,
		Data: map[string]any{
			"delta_usd":      deltaUSD,
			"total_cost_usd": total,
		},
	})
	return total
}

// Total returns the current running total for a CR.
func (a *Accumulator) Total(crID string) float64 {
	cr, err := a.store.GetCR(crID)
	if err != nil {
		return 0
	}
	return cr.CostUSD
}
