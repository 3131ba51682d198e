package fleet

import (
	"time"

	"github.com/fleetctl/matchfleet/internal/domain"
)

// protectionPolicy's idleWindow is configurable via VM_PROTECTION_IDLE_MINUTES
// (SPEC_FULL §9, default 60 minutes).
type protectionPolicy struct {
	idleWindow time.Duration
}

// ensureProtected sets protectedVM if unset and the pool is non-empty,
// picking the oldest VM (earliest launchedAt, ties by instanceId).
func (p protectionPolicy) ensureProtected(registry *Registry, snapshot []domain.VM) {
	if registry.ProtectedVM() != "" {
		return
	}
	oldest, ok := oldestVM(snapshot, "")
	if !ok {
		return
	}
	registry.SetProtectedVM(oldest.InstanceID)
}

// rotateIfIdle moves protection to the oldest non-protected VM when the
// current protected VM has been idle past the idle window.
func (p protectionPolicy) rotateIfIdle(registry *Registry, snapshot []domain.VM, now time.Time) {
	protectedID := registry.ProtectedVM()
	if protectedID == "" {
		return
	}
	var protectedVM domain.VM
	found := false
	for _, vm := range snapshot {
		if vm.InstanceID == protectedID {
			protectedVM = vm
			found = true
			break
		}
	}
	if !found {
		return
	}
	if now.Sub(protectedVM.LastSeen) <= p.idleWindow {
		return
	}
	nextOldest, ok := oldestVM(snapshot, protectedID)
	if !ok {
		return
	}
	registry.SetProtectedVM(nextOldest.InstanceID)
}

// oldestVM returns the earliest-launched VM excluding excludeID, ties
// broken by instanceId.
func oldestVM(snapshot []domain.VM, excludeID string) (domain.VM, bool) {
	var best domain.VM
	found := false
	for _, vm := range snapshot {
		if vm.InstanceID == excludeID {
			continue
		}
		if !found {
			best = vm
			found = true
			continue
		}
		if vm.LaunchedAt.Before(best.LaunchedAt) {
			best = vm
		} else if vm.LaunchedAt.Equal(best.LaunchedAt) && vm.InstanceID < best.InstanceID {
			best = vm
		}
	}
	return best, found
}
