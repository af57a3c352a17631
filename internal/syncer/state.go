package syncer

import (
	"sync"
	"time"
)

// State is the process-wide sync bookkeeping: last successful sync time,
// monotonically increasing sync version, and the single-flight guard.
//
// One instance exists per process, injected into the [Orchestrator] and read
// by the status endpoint. It is in-memory only — a restart after a partial
// full sync requires re-running the full sync, there is no resumable
// checkpoint.
type State struct {
	mu       sync.Mutex
	lastSync time.Time
	version  int
	syncing  bool
}

// NewState returns a fresh State: never synced, version 0, idle.
func NewState() *State {
	return &State{}
}

// TryBegin attempts to claim the single sync slot. It returns false without
// blocking when another sync is already running — competing callers must
// re-issue later, there is no queueing.
func (s *State) TryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing {
		return false
	}
	s.syncing = true
	return true
}

// End releases the sync slot.
func (s *State) End() {
	s.mu.Lock()
	s.syncing = false
	s.mu.Unlock()
}

// MarkSuccess records a sync that completed without failures. The watermark
// always advances; the version bumps only when at least one record was
// written, so no-op incremental syncs do not inflate it. Returns the current
// version after the update.
func (s *State) MarkSuccess(now time.Time, wrote bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = now
	if wrote {
		s.version++
	}
	return s.version
}

// LastSync returns the current watermark. Zero means never synced.
func (s *State) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Version returns the current sync version.
func (s *State) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IsSyncing reports whether a sync is currently running.
func (s *State) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}
