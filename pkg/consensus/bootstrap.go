package consensus

import "time"

// BootstrapController answers §4.K's is_bootstrapping question, which
// drives the scheduler's choice between the steady and bootstrap download
// schedules and their fan-out parallelism.
type BootstrapController struct {
	core *Core
}

func newBootstrapController(core *Core) *BootstrapController {
	return &BootstrapController{core: core}
}

// isBootstrapping is false once the registry holds a reasonably-live
// document for the usable flavor, or once the cert waiter has a document
// parked for it (we are bootstrapping certificates at that point, not the
// consensus itself). True otherwise.
func (b *BootstrapController) isBootstrapping(now time.Time) bool {
	f := b.core.cfg.UsableFlavor

	if doc := b.core.registry.latest(f); doc != nil && doc.ReasonablyLive(now) {
		return false
	}
	if b.core.waiter.parked(f) != nil {
		return false
	}
	return true
}

// onInstall is a hook point for post-install bootstrap bookkeeping. The
// current rule needs none: isBootstrapping recomputes from the registry and
// waiter on every call, so nothing needs to be cached here.
func (b *BootstrapController) onInstall(f Flavor) {}
