package syncer

import (
	"testing"
	"time"
)

func TestState_SingleFlightGuard(t *testing.T) {
	s := NewState()
	if !s.TryBegin() {
		t.Fatal("first TryBegin must succeed")
	}
	if s.TryBegin() {
		t.Error("second TryBegin must fail while running")
	}
	if !s.IsSyncing() {
		t.Error("IsSyncing = false, want true")
	}
	s.End()
	if !s.TryBegin() {
		t.Error("TryBegin must succeed after End")
	}
}

func TestState_MarkSuccess(t *testing.T) {
	s := NewState()
	t0 := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)

	if v := s.MarkSuccess(t0, false); v != 0 {
		t.Errorf("no-op sync bumped version to %d", v)
	}
	if !s.LastSync().Equal(t0) {
		t.Errorf("watermark = %v, want %v", s.LastSync(), t0)
	}

	t1 := t0.Add(time.Hour)
	if v := s.MarkSuccess(t1, true); v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	if !s.LastSync().Equal(t1) {
		t.Errorf("watermark = %v, want %v", s.LastSync(), t1)
	}
}
