package observer

import (
	"errors"
	"testing"
)

func TestNotifyRunsHandlersInRegistrationOrder(t *testing.T) {
	r := New()
	var order []int
	r.Register(PhaseBeginRestore, func(uint64) error { order = append(order, 1); return nil })
	r.Register(PhaseBeginRestore, func(uint64) error { order = append(order, 2); return nil })
	if err := r.Notify(PhaseBeginRestore, 0); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatal(order)
	}
}

func TestDeregisterStopsFutureNotifications(t *testing.T) {
	r := New()
	called := false
	id := r.Register(PhaseEndRestore, func(uint64) error { called = true; return nil })
	r.Deregister(id)
	if err := r.Notify(PhaseEndRestore, 0); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("expected deregistered handler not to run")
	}
}

func TestRunRestoreCallsReplayAtCorrectPoint(t *testing.T) {
	r := New()
	var order []string
	r.Register(PhaseDropVolatileCaches, func(uint64) error { order = append(order, "drop-caches"); return nil })
	r.Register(PhaseRestoreGStateChain, func(uint64) error { order = append(order, "gstate"); return nil })
	err := r.RunRestore(1, func() error { order = append(order, "replay"); return nil })
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatal(order)
	}
	if order[0] != "drop-caches" || order[1] != "replay" || order[2] != "gstate" {
		t.Fatal(order)
	}
}

func TestRunCollectScansRanksInOrder(t *testing.T) {
	r := New()
	var order []string
	err := r.RunCollect(1,
		func() { order = append(order, "exact") },
		func() { order = append(order, "ambiguous") },
		func() { order = append(order, "weak") },
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 || order[0] != "exact" || order[1] != "ambiguous" || order[2] != "weak" {
		t.Fatal(order)
	}
}

func TestRunRestoreAbortsBeforeReplayOnPreReplayFailure(t *testing.T) {
	r := New()
	wantErr := errors.New("font cache refused to drop")
	replayed := false
	r.Register(PhaseDropVolatileCaches, func(uint64) error { return wantErr })

	err := r.RunRestore(1, func() error { replayed = true; return nil })
	if err != wantErr {
		t.Fatal(err)
	}
	if replayed {
		t.Fatal("expected replay never to run once a pre-replay observer failed")
	}
}

func TestRunRestoreAbortsOnReplayFailureWithoutRunningPostReplayPhases(t *testing.T) {
	r := New()
	wantErr := errors.New("stack validation rejected the target")
	gstateRan := false
	r.Register(PhaseRestoreGStateChain, func(uint64) error { gstateRan = true; return nil })

	err := r.RunRestore(1, func() error { return wantErr })
	if err != wantErr {
		t.Fatal(err)
	}
	if gstateRan {
		t.Fatal("expected post-replay phases not to run when replay itself fails")
	}
}

func TestRunRestoreReturnsPostReplayFailure(t *testing.T) {
	r := New()
	wantErr := errors.New("device state restore failed")
	r.Register(PhaseRestoreDeviceState, func(uint64) error { return wantErr })

	err := r.RunRestore(1, func() error { return nil })
	if err != wantErr {
		t.Fatal(err)
	}
}
