// Package tier implements the Tier Driver contract (C4) and its five
// concrete drivers T1-T5. Every driver satisfies the same Execute/Cleanup
// contract; the orchestrator never branches on tier identity except for
// the single T5-is-last-automated-rung policy decision named in spec §9.
package tier

import (
	"context"

	"github.com/titan-scrape/titan/internal/titan"
)

// Driver is the abstract contract every concrete tier satisfies. Execute
// must never panic for normal failures — only genuine infrastructure
// faults escape as an error; everything else comes back as a populated
// AcquisitionOutcome.
type Driver interface {
	Capabilities() titan.Capabilities
	Execute(ctx context.Context, req *titan.Request) (*titan.AcquisitionOutcome, error)
	// Cleanup releases long-lived resources (browser processes, pooled
	// connections). Must be idempotent.
	Cleanup() error
}

// Registry maps a Tier to its driver, used by the Orchestrator so it
// never needs a type switch on tier identity.
type Registry struct {
	drivers map[titan.Tier]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[titan.Tier]Driver)}
}

func (r *Registry) Register(t titan.Tier, d Driver) {
	r.drivers[t] = d
}

func (r *Registry) Get(t titan.Tier) (Driver, bool) {
	d, ok := r.drivers[t]
	return d, ok
}

// CleanupAll calls Cleanup on every registered driver, collecting (not
// short-circuiting on) errors.
func (r *Registry) CleanupAll() []error {
	var errs []error
	for _, d := range r.drivers {
		if err := d.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
