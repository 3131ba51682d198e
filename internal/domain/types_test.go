package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVMFreeSlotsFlooredAtZero(t *testing.T) {
	vm := VM{MatchCount: 9}
	require.Equal(t, 0, vm.FreeSlots(5))
	require.Equal(t, 2, VM{MatchCount: 3}.FreeSlots(5))
}

func TestVMAge(t *testing.T) {
	launched := time.Now().Add(-10 * time.Minute)
	vm := VM{LaunchedAt: launched}
	require.InDelta(t, 10*time.Minute, vm.Age(time.Now()), float64(time.Second))
}

func TestDefaultMatchType(t *testing.T) {
	require.Equal(t, MatchTypeCustomPrivate, DefaultMatchType(PrivacyPrivate))
	require.Equal(t, MatchTypeQuickPlay, DefaultMatchType(PrivacyPublic))
}

func TestSceneForClosedSet(t *testing.T) {
	scene, ok := SceneFor("VersusMen_Online")
	require.True(t, ok)
	require.Equal(t, "Scene_Versus_Men", scene)

	_, ok = SceneFor("Bogus")
	require.False(t, ok)
}
