package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetctl/matchfleet/internal/cloud"
	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/fleetctl/matchfleet/internal/logging"
	"github.com/fleetctl/matchfleet/internal/metrics"
	"github.com/fleetctl/matchfleet/internal/workerclient"
)

// ReconcilerConfig holds the tunables the reconciler's phases read from
// internal/config.Config.
type ReconcilerConfig struct {
	FullMatchLimit      int
	MinBackupVMs        int
	MaxBackupVMs        int
	NearCapacityThresh  int
	UnreachableTerm     int
	AgeTerminateMinutes time.Duration
	ProtectionIdle      time.Duration
	UpdateInterval      time.Duration
	MatchGCThreshold    int
}

// Reconciler runs the periodic control loop merging the teacher's
// cleanupLoop (idle eviction), healthCheckLoop (liveness probing) and
// autoscaler ticker-driven reconcile into the one ticker updateVMs
// specifies (SPEC_FULL §4.6).
type Reconciler struct {
	registry *Registry
	provider cloud.Provider
	worker   *workerclient.Client
	launcher *Launcher
	cfg      ReconcilerConfig
	policy   protectionPolicy

	ticking         atomic.Bool
	lastReconcileAt atomic.Int64 // unix nanos

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler builds a Reconciler bound to its collaborators.
func NewReconciler(registry *Registry, provider cloud.Provider, worker *workerclient.Client, launcher *Launcher, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		registry: registry,
		provider: provider,
		worker:   worker,
		launcher: launcher,
		cfg:      cfg,
		policy:   protectionPolicy{idleWindow: cfg.ProtectionIdle},
		done:     make(chan struct{}),
	}
}

// LastReconcileAt returns the wall-clock time of the most recently
// completed tick, surfaced on the debug endpoint (SPEC_FULL §4.8).
func (r *Reconciler) LastReconcileAt() time.Time {
	nanos := r.lastReconcileAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Start runs an immediate tick, then ticks every UpdateInterval until
// Stop is called. Non-reentrant: if a previous tick is still running when
// the ticker fires, that firing is skipped.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.done)
		r.tick(ctx)

		ticker := time.NewTicker(r.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

// Stop cancels the ticker loop and waits for any in-flight tick to finish.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Reconciler) tick(ctx context.Context) {
	if !r.ticking.CompareAndSwap(false, true) {
		logging.Op().Debug("reconciler tick skipped, previous tick still running")
		return
	}
	defer r.ticking.Store(false)

	start := time.Now()
	r.cloudSync(ctx)
	totalFreeSlots := r.healthRefreshAndIdleTerminate(ctx)
	poolBeforeTopUp := r.registry.Len()
	r.minPoolTopUp(ctx)
	if r.registry.Len() > poolBeforeTopUp {
		// A VM launched by the top-up has no matches yet, so all of its
		// slots count as free for the near-capacity check.
		totalFreeSlots += r.cfg.FullMatchLimit
	}
	r.nearCapacityScaleUp(ctx, totalFreeSlots)
	r.rotateProtection()
	r.matchGC()

	r.lastReconcileAt.Store(start.UnixNano())
	metrics.RecordReconcileTick(time.Since(start))
	metrics.SetPoolSize(r.registry.Len())
	logging.Op().Info("reconciler tick complete", "duration", time.Since(start).String(), "pool_size", r.registry.Len())
}

// cloudSync is phase (a): reconcile the registry against describeAll().
func (r *Reconciler) cloudSync(ctx context.Context) {
	instances, err := r.provider.DescribeAll(ctx)
	if err != nil {
		logging.Op().Warn("cloud sync failed, aborting phase", "error", err)
		return
	}

	seen := make(map[string]cloud.Instance, len(instances))
	for _, inst := range instances {
		seen[inst.InstanceID] = inst
	}

	now := time.Now()
	var toRemove []string
	for _, vm := range r.registry.Snapshot() {
		inst, ok := seen[vm.InstanceID]
		if !ok || inst.State != cloud.StateRunning {
			toRemove = append(toRemove, vm.InstanceID)
		}
	}
	r.registry.RemoveBatch(toRemove)
	metrics.RecordTermination("cloud_sync", len(toRemove))
	for _, id := range toRemove {
		r.worker.Forget(id)
	}

	for _, inst := range instances {
		if inst.State != cloud.StateRunning || len(inst.PublicIPs) == 0 {
			continue
		}
		r.registry.UpsertFromCloud(inst.InstanceID, inst.PublicIPs[0], now)
	}
}

// healthRefreshAndIdleTerminate is phase (b). It probes every tracked VM in
// parallel outside the registry lock, applies results, and collects
// termination candidates from both the unreachable and idle branches into
// one batch, resolving SPEC_FULL §9's noted race between the two paths.
func (r *Reconciler) healthRefreshAndIdleTerminate(ctx context.Context) int {
	snapshot := r.registry.Snapshot()
	now := time.Now()

	var mu sync.Mutex
	var wg sync.WaitGroup
	totalFreeSlots := 0
	var toTerminate []string

	poolSize := len(snapshot)

	for _, vm := range snapshot {
		wg.Add(1)
		go func(vm domain.VM) {
			defer wg.Done()
			status, err := r.worker.Status(ctx, vm.IP)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				metrics.RecordProbeFailure("reconciler")
				r.registry.ApplyProbe(vm.InstanceID, ProbeResult{Success: false}, now)
				updated, ok := r.registry.Get(vm.InstanceID)
				if ok && updated.UnreachableCount >= r.cfg.UnreachableTerm &&
					r.eligibleForTermination(updated, poolSize, len(toTerminate), now) {
					toTerminate = append(toTerminate, vm.InstanceID)
				}
				return
			}

			r.registry.ApplyProbe(vm.InstanceID, ProbeResult{Success: true, ActiveMatches: status.ActiveMatches}, now)
			totalFreeSlots += domain.FreeSlots(status.ActiveMatches, r.cfg.FullMatchLimit)

			if status.ActiveMatches == 0 && r.eligibleForTermination(vm, poolSize, len(toTerminate), now) {
				toTerminate = append(toTerminate, vm.InstanceID)
			}
		}(vm)
	}
	wg.Wait()

	if len(toTerminate) > 0 {
		if err := r.provider.Terminate(ctx, toTerminate); err != nil {
			logging.Op().Warn("terminate call failed", "instance_ids", toTerminate, "error", err)
		}
		r.registry.RemoveBatch(toTerminate)
		for _, id := range toTerminate {
			r.worker.Forget(id)
		}
		metrics.RecordTermination("idle_or_unreachable", len(toTerminate))
		logging.Op().Info("terminated vms", "instance_ids", toTerminate)
	}

	metrics.SetFreeSlots(totalFreeSlots)
	return totalFreeSlots
}

// eligibleForTermination applies the shared gating: not protected, old
// enough, and removing this VM on top of everything already marked this
// tick must not push the surviving pool below MinBackupVMs. alreadyMarked
// is the number of VMs already accepted for termination earlier in this
// same tick, so the floor is checked against a running survivor count
// rather than the tick's pre-batch snapshot size.
func (r *Reconciler) eligibleForTermination(vm domain.VM, poolSize, alreadyMarked int, now time.Time) bool {
	if vm.InstanceID == r.registry.ProtectedVM() {
		return false
	}
	survivorsAfterThis := poolSize - alreadyMarked - 1
	if survivorsAfterThis < r.cfg.MinBackupVMs {
		return false
	}
	return vm.Age(now) >= r.cfg.AgeTerminateMinutes
}

// minPoolTopUp is phase (c): while under the floor, launch once per tick.
func (r *Reconciler) minPoolTopUp(ctx context.Context) {
	if r.registry.Len() >= r.cfg.MinBackupVMs {
		return
	}
	if _, ok := r.launcher.LaunchBackupVM(ctx); !ok {
		logging.Op().Debug("min-pool top-up launch did not complete this tick")
	}
}

// nearCapacityScaleUp is phase (d): launch once if free slots are scarce.
func (r *Reconciler) nearCapacityScaleUp(ctx context.Context, totalFreeSlots int) {
	if totalFreeSlots > r.cfg.NearCapacityThresh {
		return
	}
	if r.registry.Len() >= r.cfg.MaxBackupVMs {
		return
	}
	if _, ok := r.launcher.LaunchBackupVM(ctx); !ok {
		logging.Op().Debug("near-capacity scale-up launch did not complete this tick")
	}
}

// rotateProtection is phase (e).
func (r *Reconciler) rotateProtection() {
	snapshot := r.registry.Snapshot()
	r.policy.ensureProtected(r.registry, snapshot)
	r.policy.rotateIfIdle(r.registry, snapshot, time.Now())
}

// matchGC is phase (f), supplementing spec.md §9's noted open gap: drop
// match records whose VM no longer exists, bounded to only sweep once the
// match map has grown past MatchGCThreshold.
func (r *Reconciler) matchGC() {
	if r.registry.MatchCount() <= r.cfg.MatchGCThreshold {
		return
	}
	dropped := r.registry.GCMatches()
	if dropped > 0 {
		logging.Op().Info("match gc swept stale records", "dropped", dropped)
	}
}
