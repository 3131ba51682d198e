package fleet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/fleetctl/matchfleet/internal/logging"
	"github.com/fleetctl/matchfleet/internal/metrics"
	"github.com/fleetctl/matchfleet/internal/workerclient"
)

// ErrNoCapacity is returned by GetAvailableVM when the candidate set is
// empty and a launch either was not attempted (pool at ceiling) or failed.
var ErrNoCapacity = errors.New("no vm available")

// Allocator picks a VM for a match request or triggers a launch. It is the
// generalization of the teacher's warm-slot selection in
// pool_acquisition.go: prefer an existing ready unit, fall back to a cold
// start only when nothing is ready.
type Allocator struct {
	registry       *Registry
	worker         *workerclient.Client
	launcher       *Launcher
	fullMatchLimit int
	maxBackupVMs   int
}

// NewAllocator builds an Allocator bound to a registry, worker client and
// launcher.
func NewAllocator(registry *Registry, worker *workerclient.Client, launcher *Launcher, fullMatchLimit, maxBackupVMs int) *Allocator {
	return &Allocator{
		registry:       registry,
		worker:         worker,
		launcher:       launcher,
		fullMatchLimit: fullMatchLimit,
		maxBackupVMs:   maxBackupVMs,
	}
}

// GetAvailableVM runs the selection policy: snapshot, parallel probe,
// filter, order, and launch-on-empty.
func (a *Allocator) GetAvailableVM(ctx context.Context) (domain.VM, error) {
	snapshot := a.registry.Snapshot()
	now := time.Now()

	var wg sync.WaitGroup
	for i := range snapshot {
		wg.Add(1)
		go func(instanceID, ip string) {
			defer wg.Done()
			status, err := a.worker.Status(ctx, ip)
			if err != nil {
				metrics.RecordProbeFailure("allocator")
				a.registry.ApplyProbe(instanceID, ProbeResult{Success: false}, now)
				return
			}
			a.registry.ApplyProbe(instanceID, ProbeResult{Success: true, ActiveMatches: status.ActiveMatches}, now)
		}(snapshot[i].InstanceID, snapshot[i].IP)
	}
	wg.Wait()

	candidates := make([]domain.VM, 0, len(snapshot))
	for _, id := range probedIDs(snapshot) {
		vm, ok := a.registry.Get(id)
		if !ok {
			continue
		}
		if vm.MatchCount < a.fullMatchLimit && vm.UnreachableCount == 0 {
			candidates = append(candidates, vm)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].MatchCount != candidates[j].MatchCount {
			return candidates[i].MatchCount < candidates[j].MatchCount
		}
		if !candidates[i].LastSeen.Equal(candidates[j].LastSeen) {
			return candidates[i].LastSeen.Before(candidates[j].LastSeen)
		}
		return candidates[i].InstanceID < candidates[j].InstanceID
	})

	if len(candidates) > 0 {
		return candidates[0], nil
	}

	if a.registry.Len() >= a.maxBackupVMs {
		logging.Op().Warn("no capacity and pool at ceiling", "pool_size", a.registry.Len())
		return domain.VM{}, ErrNoCapacity
	}

	vm, ok := a.launcher.LaunchBackupVM(ctx)
	if !ok {
		return domain.VM{}, ErrNoCapacity
	}
	return vm, nil
}

func probedIDs(snapshot []domain.VM) []string {
	ids := make([]string, len(snapshot))
	for i, vm := range snapshot {
		ids[i] = vm.InstanceID
	}
	return ids
}
