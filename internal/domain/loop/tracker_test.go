package loop

import "testing"

func TestSwitchAfterThreeIdenticalFailures(t *testing.T) {
	var tr Tracker
	tr.Begin(4)

	for attempt := 1; attempt <= 3; attempt++ {
		if tr.TakeSwitch() {
			t.Fatalf("attempt %d: switch flag set too early", attempt)
		}
		raised := tr.RecordFailure("E1", 3)
		if raised != (attempt == 3) {
			t.Fatalf("attempt %d: raised = %v", attempt, raised)
		}
	}

	if !tr.TakeSwitch() {
		t.Fatal("expected switch flag before attempt 4")
	}
	if tr.TakeSwitch() {
		t.Fatal("switch flag should be consumed by the attempt that reads it")
	}
	if tr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", tr.Attempts)
	}
}

func TestDifferentSignaturesDoNotSwitch(t *testing.T) {
	var tr Tracker
	tr.Begin(1)
	for _, sig := range []string{"E1", "E2", "E1", "E2"} {
		if tr.RecordFailure(sig, 3) {
			t.Fatalf("unexpected switch on %s", sig)
		}
	}
	if tr.SwitchStrategy {
		t.Fatal("flag must stay clear for alternating signatures")
	}
}

func TestRepeatCountRestartsAfterSwitch(t *testing.T) {
	var tr Tracker
	tr.Begin(2)
	for range 3 {
		tr.RecordFailure("E1", 3)
	}
	tr.TakeSwitch()
	if tr.RecordFailure("E1", 3) || tr.RecordFailure("E1", 3) {
		t.Fatal("switch raised before three more repeats")
	}
	if !tr.RecordFailure("E1", 3) {
		t.Fatal("expected switch after three more repeats")
	}
}

func TestBeginKeepsCountersForSameStep(t *testing.T) {
	var tr Tracker
	tr.Begin(5)
	tr.RecordFailure("E1", 3)
	tr.Begin(5)
	if tr.Attempts != 1 {
		t.Fatalf("attempts reset on same step: %d", tr.Attempts)
	}
	tr.Begin(6)
	if tr.Attempts != 0 || tr.Step != 6 {
		t.Fatalf("counters not reset for new step: %+v", tr)
	}
}

func TestRecordSuccessResets(t *testing.T) {
	var tr Tracker
	tr.Begin(4)
	tr.RecordFailure("E1", 3)
	tr.RecordSuccess()
	if tr.Attempts != 0 || tr.Step != 0 || tr.LastSignature != "" {
		t.Fatalf("expected zero tracker, got %+v", tr)
	}
}

func TestExhausted(t *testing.T) {
	var tr Tracker
	tr.Begin(1)
	for range 2 {
		tr.RecordFailure("E", 0)
	}
	if tr.Exhausted(3) {
		t.Fatal("not exhausted at 2 of 3")
	}
	tr.RecordFailure("E", 0)
	if !tr.Exhausted(3) {
		t.Fatal("expected exhausted at 3 of 3")
	}
}

func TestSignature(t *testing.T) {
	a := Signature("main_test.go:42: expected 3, got 4 (0.01s)")
	b := Signature("main_test.go:57: expected 3, got 4  (0.02s)")
	if a != b {
		t.Fatalf("signatures differ for the same failure: %s vs %s", a, b)
	}
	if a == Signature("undefined: Foo") {
		t.Fatal("different failures should not collide")
	}
	if Signature("   ") != "" {
		t.Fatal("blank output should have empty signature")
	}
}
