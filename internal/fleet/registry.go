// Package fleet is the control plane: the VM registry, the allocator that
// picks a VM for a match request, the single-flight launcher, and the
// periodic reconciler. It generalizes the teacher's functionPool (one
// mutex-guarded set of warm compute units, serving units of work on
// request, reconciled against reality on a ticker) from pooled FaaS VMs to
// tracked match-hosting VMs.
package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/fleetctl/matchfleet/internal/domain"
)

// Registry is the process-wide, single-mutex-guarded map of tracked VMs
// plus the protected-VM slot and the active-match map. This is the
// generalization of the teacher's functionPool: one critical section,
// snapshot-under-lock for I/O-heavy callers, apply-under-lock for results.
type Registry struct {
	mu          sync.Mutex
	vms         map[string]*domain.VM
	matches     map[string]domain.Match
	protectedVM string // empty means unset
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		vms:     make(map[string]*domain.VM),
		matches: make(map[string]domain.Match),
	}
}

// UpsertFromCloud inserts a VM record if absent and has an IP, or updates
// its IP if changed. Called from the reconciler's cloud-sync phase and by
// the launcher when a new instance reaches RUNNING with a public IP.
func (r *Registry) UpsertFromCloud(instanceID, ip string, now time.Time) {
	if ip == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if vm, ok := r.vms[instanceID]; ok {
		vm.IP = ip
		return
	}
	r.vms[instanceID] = &domain.VM{
		InstanceID: instanceID,
		IP:         ip,
		LaunchedAt: now,
		LastSeen:   now,
	}
}

// Remove deletes a VM record and clears protectedVM if it pointed at it.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(instanceID)
}

func (r *Registry) removeLocked(instanceID string) {
	delete(r.vms, instanceID)
	if r.protectedVM == instanceID {
		r.protectedVM = ""
	}
}

// RemoveBatch removes several VMs under a single lock acquisition,
// resolving SPEC_FULL's idle-vs-unreachable race by serializing all of a
// tick's terminations into one apply step.
func (r *Registry) RemoveBatch(instanceIDs []string) {
	if len(instanceIDs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range instanceIDs {
		r.removeLocked(id)
	}
}

// Snapshot returns a value-copy slice of every tracked VM, safe to read
// without holding the lock. Callers must not mutate the returned VMs and
// expect the change to propagate; use ApplyProbe/IncrementMatchCount.
func (r *Registry) Snapshot() []domain.VM {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.VM, 0, len(r.vms))
	for _, vm := range r.vms {
		out = append(out, vm.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Get returns a copy of one VM record, and whether it was found.
func (r *Registry) Get(instanceID string) (domain.VM, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[instanceID]
	if !ok {
		return domain.VM{}, false
	}
	return vm.Clone(), true
}

// Len returns the number of tracked VMs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.vms)
}

// ProbeResult is applied atomically to a VM record after an out-of-lock
// worker status probe.
type ProbeResult struct {
	Success       bool
	ActiveMatches int
}

// ApplyProbe updates matchCount/unreachableCount/lastSeen for one VM. A
// failed probe only increments unreachableCount; a success resets it and
// overwrites matchCount with the worker's reported value, correcting any
// optimistic-increment drift.
func (r *Registry) ApplyProbe(instanceID string, result ProbeResult, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[instanceID]
	if !ok {
		return
	}
	if result.Success {
		vm.MatchCount = result.ActiveMatches
		vm.UnreachableCount = 0
		vm.LastSeen = now
		return
	}
	vm.UnreachableCount++
}

// IncrementMatchCount applies the optimistic post-allocation bump.
func (r *Registry) IncrementMatchCount(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if vm, ok := r.vms[instanceID]; ok {
		vm.MatchCount++
	}
}

// ProtectedVM returns the current protected instance ID, or "" if unset.
func (r *Registry) ProtectedVM() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protectedVM
}

// SetProtectedVM assigns the protected slot. Passing an ID not present in
// the registry is a caller error and is ignored.
func (r *Registry) SetProtectedVM(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vms[instanceID]; ok {
		r.protectedVM = instanceID
	}
}

// RecordMatch stores a match record keyed by matchId.
func (r *Registry) RecordMatch(m domain.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[m.MatchID] = m
}

// GetMatch returns the match record and whether it was found.
func (r *Registry) GetMatch(matchID string) (domain.Match, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[matchID]
	return m, ok
}

// MatchCount returns the number of tracked match records, used to decide
// whether a GC sweep is due (SPEC_FULL §4.8).
func (r *Registry) MatchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.matches)
}

// GCMatches drops match records whose vmInstanceId no longer has a live VM
// record. Returns the number of records dropped.
func (r *Registry) GCMatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, m := range r.matches {
		if _, ok := r.vms[m.VMInstanceID]; !ok {
			delete(r.matches, id)
			dropped++
		}
	}
	return dropped
}

// DebugView is the shape GET /api/debug/vms reports.
type DebugView struct {
	ProtectedVM string
	VMPool      []domain.VM
	Matches     []domain.Match
}

// Debug returns a full snapshot of registry state for the debug endpoint.
func (r *Registry) Debug() DebugView {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := DebugView{ProtectedVM: r.protectedVM}
	for _, vm := range r.vms {
		view.VMPool = append(view.VMPool, vm.Clone())
	}
	sort.Slice(view.VMPool, func(i, j int) bool { return view.VMPool[i].InstanceID < view.VMPool[j].InstanceID })
	for _, m := range r.matches {
		view.Matches = append(view.Matches, m)
	}
	sort.Slice(view.Matches, func(i, j int) bool { return view.Matches[i].MatchID < view.Matches[j].MatchID })
	return view
}
