package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fleetctl/matchfleet/internal/cloud"
	"github.com/fleetctl/matchfleet/internal/domain"
	"github.com/fleetctl/matchfleet/internal/logging"
	"github.com/fleetctl/matchfleet/internal/metrics"
)

// Launcher runs the single-flight VM provisioning sequence. Concurrent
// callers must get a negative result immediately rather than coalesce onto
// an in-flight attempt — deliberately NOT golang.org/x/sync/singleflight,
// which would instead hand every caller the same result. The guard is a
// plain atomic.Bool CAS, the same claim/release shape as the teacher's
// RuntimeTemplatePool slot claiming.
type Launcher struct {
	registry     *Registry
	provider     cloud.Provider
	template     cloud.Template
	maxBackupVMs int
	maxPoll      int
	pollBase     time.Duration
	pollStep     time.Duration

	launching atomic.Bool
}

// NewLauncher builds a Launcher bound to a registry and cloud provider.
func NewLauncher(registry *Registry, provider cloud.Provider, template cloud.Template, maxBackupVMs, maxPoll int, pollBase, pollStep time.Duration) *Launcher {
	return &Launcher{
		registry:     registry,
		provider:     provider,
		template:     template,
		maxBackupVMs: maxBackupVMs,
		maxPoll:      maxPoll,
		pollBase:     pollBase,
		pollStep:     pollStep,
	}
}

// InFlight reports whether a launch is currently in progress, surfaced on
// the debug endpoint (SPEC_FULL §4.8).
func (l *Launcher) InFlight() bool {
	return l.launching.Load()
}

// LaunchBackupVM runs the full provision-and-poll sequence. Returns
// ok=false on any failure path: pool at ceiling, a launch already in
// flight, runOne error, or poll timeout.
func (l *Launcher) LaunchBackupVM(ctx context.Context) (domain.VM, bool) {
	if l.registry.Len() >= l.maxBackupVMs {
		return domain.VM{}, false
	}
	if !l.launching.CompareAndSwap(false, true) {
		return domain.VM{}, false
	}
	metrics.SetLaunchInFlight(true)
	defer func() {
		l.launching.Store(false)
		metrics.SetLaunchInFlight(false)
	}()

	launchStart := time.Now()

	instanceID, err := l.provider.RunOne(ctx, l.template)
	if err != nil {
		logging.Op().Warn("launch failed", "error", err)
		metrics.RecordLaunch("failed", time.Since(launchStart))
		return domain.VM{}, false
	}

	inst, ok := l.pollUntilRunning(ctx, instanceID)
	if !ok {
		logging.Op().Warn("launch poll exhausted, best-effort terminate", "instance_id", instanceID)
		if termErr := l.provider.Terminate(ctx, []string{instanceID}); termErr != nil {
			logging.Op().Warn("best-effort terminate after launch timeout failed", "instance_id", instanceID, "error", termErr)
		}
		metrics.RecordLaunch("failed", time.Since(launchStart))
		metrics.RecordTermination("launch_poll_timeout", 1)
		return domain.VM{}, false
	}

	now := time.Now()
	l.registry.UpsertFromCloud(inst.InstanceID, inst.PublicIPs[0], now)
	if l.registry.ProtectedVM() == "" {
		l.registry.SetProtectedVM(inst.InstanceID)
	}

	vm, found := l.registry.Get(inst.InstanceID)
	if !found {
		metrics.RecordLaunch("failed", time.Since(launchStart))
		return domain.VM{}, false
	}
	metrics.RecordLaunch("success", time.Since(launchStart))
	return vm, true
}

func (l *Launcher) pollUntilRunning(ctx context.Context, instanceID string) (cloud.Instance, bool) {
	for i := 0; i < l.maxPoll; i++ {
		delay := l.pollBase + time.Duration(i)*l.pollStep
		select {
		case <-ctx.Done():
			return cloud.Instance{}, false
		case <-time.After(delay):
		}

		instances, err := l.provider.Describe(ctx, []string{instanceID})
		if err != nil {
			logging.Op().Warn("poll describe failed, retrying", "instance_id", instanceID, "error", err)
			continue
		}
		for _, inst := range instances {
			if inst.InstanceID == instanceID && inst.State == cloud.StateRunning && len(inst.PublicIPs) > 0 {
				return inst, true
			}
		}
	}
	return cloud.Instance{}, false
}
