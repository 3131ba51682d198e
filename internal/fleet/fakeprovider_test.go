package fleet

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fleetctl/matchfleet/internal/cloud"
)

// fakeProvider is an in-memory cloud.Provider used across allocator,
// launch and reconciler tests, the way the teacher's own packages test
// against small hand-written fakes rather than a mocking framework.
type fakeProvider struct {
	mu        sync.Mutex
	instances map[string]cloud.Instance
	nextID    atomic.Int64

	runErr       error
	describeErr  error
	terminateErr error

	// runImmediatelyRunning, when true, makes RunOne register the new
	// instance as already RUNNING with an IP, so launch tests don't need
	// to wait through poll delays.
	runImmediatelyRunning bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{instances: make(map[string]cloud.Instance)}
}

func (f *fakeProvider) DescribeAll(ctx context.Context) ([]cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out := make([]cloud.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeProvider) Describe(ctx context.Context, instanceIDs []string) ([]cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	var out []cloud.Instance
	for _, id := range instanceIDs {
		if inst, ok := f.instances[id]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeProvider) RunOne(ctx context.Context, tmpl cloud.Template) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "i-fake-" + strconv.FormatInt(f.nextID.Add(1), 10)
	state := cloud.StatePending
	var ips []string
	if f.runImmediatelyRunning {
		state = cloud.StateRunning
		ips = []string{"10.0.0." + strconv.FormatInt(f.nextID.Load(), 10)}
	}
	f.instances[id] = cloud.Instance{InstanceID: id, State: state, PublicIPs: ips}
	return id, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, instanceIDs []string) error {
	if f.terminateErr != nil {
		return f.terminateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range instanceIDs {
		delete(f.instances, id)
	}
	return nil
}

// markRunning flips an instance to RUNNING with the given IP, simulating
// the cloud provider completing provisioning between polls.
func (f *fakeProvider) markRunning(id, ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.State = cloud.StateRunning
	inst.PublicIPs = []string{ip}
	f.instances[id] = inst
}
