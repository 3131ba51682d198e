// Package domain holds the plain data types shared across the allocator,
// registry and reconciler: the VM record, the match record and the static
// scene mapping. None of these types carry behavior beyond simple
// invariant checks — mutation is the registry's job (internal/fleet).
package domain

import "time"

// VM is one tracked worker VM. Every field here is read under the
// registry's lock except where explicitly noted; callers must never
// retain a *VM past a registry Snapshot without re-fetching it.
type VM struct {
	InstanceID       string
	IP               string
	MatchCount       int
	UnreachableCount int
	LaunchedAt       time.Time
	LastSeen         time.Time
}

// Clone returns a value copy, used by Registry.Snapshot so the allocator
// and reconciler can read VM state without holding the registry lock.
func (v VM) Clone() VM {
	return v
}

// FreeSlots returns FullMatchLimit - MatchCount, floored at 0.
func (v VM) FreeSlots(fullMatchLimit int) int {
	return FreeSlots(v.MatchCount, fullMatchLimit)
}

// FreeSlots returns fullMatchLimit - usedSlots, floored at 0. Shared by
// VM.FreeSlots (registry's tracked MatchCount) and the reconciler's health
// probe phase (the worker's just-reported activeMatches), so the two
// call sites never drift.
func FreeSlots(usedSlots, fullMatchLimit int) int {
	free := fullMatchLimit - usedSlots
	if free < 0 {
		return 0
	}
	return free
}

// Age returns how long the VM has been tracked as of now.
func (v VM) Age(now time.Time) time.Duration {
	return now.Sub(v.LaunchedAt)
}

// MatchPrivacy is fixed by which endpoint received the request.
type MatchPrivacy string

const (
	PrivacyPublic  MatchPrivacy = "Public"
	PrivacyPrivate MatchPrivacy = "Private"
)

// MatchType is derived from privacy unless the caller supplies one.
type MatchType string

const (
	MatchTypeQuickPlay     MatchType = "QuickPlay"
	MatchTypeCustomPrivate MatchType = "CustomPrivate"
)

// DefaultMatchType derives the default match type for a privacy level.
func DefaultMatchType(privacy MatchPrivacy) MatchType {
	if privacy == PrivacyPrivate {
		return MatchTypeCustomPrivate
	}
	return MatchTypeQuickPlay
}

// Match is one active game session, pinned to the VM that hosts it.
// Matches are never mutated after creation; they are removed only by
// process restart or the reconciler's match GC phase (SPEC_FULL §4.8).
type Match struct {
	MatchID      string
	GameMode     string
	MatchPrivacy MatchPrivacy
	TickRate     int
	MatchType    MatchType
	ServerIP     string
	ServerPort   int
	ContainerID  string
	VMInstanceID string
	StartedAt    time.Time
}

// Scenes is the static, closed mapping from gameMode to scene identifier.
// It is read-only after package init; requests naming a gameMode outside
// this set are rejected with InvalidRequest before any VM is touched.
var Scenes = map[string]string{
	"VersusMen_Online":    "Scene_Versus_Men",
	"VersusWomen_Online":  "Scene_Versus_Women",
	"Coop_Online":         "Scene_Coop",
	"BattleRoyale_Online": "Scene_BattleRoyale",
	"Training_Online":     "Scene_Training",
	"Ranked_Online":       "Scene_Ranked",
}

// SceneFor returns the scene for a gameMode and whether it is recognized.
func SceneFor(gameMode string) (string, bool) {
	scene, ok := Scenes[gameMode]
	return scene, ok
}
