package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/fleetctl/matchfleet/internal/cloud"
	"github.com/stretchr/testify/require"
)

func TestLaunchBackupVMRegistersRunningInstance(t *testing.T) {
	registry := NewRegistry()
	provider := newFakeProvider()
	provider.runImmediatelyRunning = true

	launcher := NewLauncher(registry, provider, cloud.Template{NamePrefix: "test"}, 10, 3, time.Millisecond, time.Millisecond)

	vm, ok := launcher.LaunchBackupVM(context.Background())
	require.True(t, ok)
	require.NotEmpty(t, vm.InstanceID)
	require.Equal(t, 1, registry.Len())
	require.Equal(t, vm.InstanceID, registry.ProtectedVM())
}

func TestLaunchBackupVMAtCeilingReturnsFalse(t *testing.T) {
	registry := NewRegistry()
	registry.UpsertFromCloud("i-1", "1.1.1.1", time.Now())
	provider := newFakeProvider()

	launcher := NewLauncher(registry, provider, cloud.Template{}, 1, 3, time.Millisecond, time.Millisecond)
	_, ok := launcher.LaunchBackupVM(context.Background())
	require.False(t, ok)
}

func TestLaunchBackupVMPollTimeoutTerminates(t *testing.T) {
	registry := NewRegistry()
	provider := newFakeProvider() // instance never transitions to RUNNING

	launcher := NewLauncher(registry, provider, cloud.Template{}, 10, 2, time.Millisecond, time.Millisecond)
	_, ok := launcher.LaunchBackupVM(context.Background())
	require.False(t, ok)
	require.Equal(t, 0, registry.Len())

	instances, _ := provider.DescribeAll(context.Background())
	require.Empty(t, instances, "poll timeout must best-effort terminate the instance")
}

func TestLaunchBackupVMSingleFlightRejectsConcurrentCallers(t *testing.T) {
	registry := NewRegistry()
	provider := newFakeProvider()
	provider.runImmediatelyRunning = true

	launcher := NewLauncher(registry, provider, cloud.Template{}, 10, 3, 20*time.Millisecond, time.Millisecond)

	results := make(chan bool, 2)
	go func() {
		_, ok := launcher.LaunchBackupVM(context.Background())
		results <- ok
	}()
	time.Sleep(2 * time.Millisecond)
	go func() {
		_, ok := launcher.LaunchBackupVM(context.Background())
		results <- ok
	}()

	first, second := <-results, <-results
	require.True(t, first != second, "exactly one concurrent launch call should succeed")
}
