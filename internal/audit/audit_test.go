package audit

import (
	"path/filepath"
	"testing"
)

func TestInsertAndQueryRoundTrip(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	want := JoinAttempt{DevEui: "0102030405060708", Band: "SubGHz", Success: true, RetryCount: 1}
	if err := db.InsertJoinAttempt(want); err != nil {
		t.Fatalf("InsertJoinAttempt: %v", err)
	}

	got, err := db.RecentJoinAttempts(10)
	if err != nil {
		t.Fatalf("RecentJoinAttempts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d rows, want 1", len(got))
	}
	if got[0].DevEui != want.DevEui || got[0].Band != want.Band ||
		got[0].Success != want.Success || got[0].RetryCount != want.RetryCount {
		t.Errorf("round trip mismatch: got %+v want %+v", got[0], want)
	}
}

func TestSendOutcomesAndProvisioningSteps(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.InsertSendOutcome(SendOutcome{DevEui: "aa", FPort: 2, Confirmed: true, Acked: false, RetryCount: 3, FailCount: 4}); err != nil {
		t.Fatalf("InsertSendOutcome: %v", err)
	}
	outcomes, err := db.RecentSendOutcomes(10)
	if err != nil {
		t.Fatalf("RecentSendOutcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].FailCount != 4 || !outcomes[0].Confirmed || outcomes[0].Acked {
		t.Errorf("unexpected send outcomes %+v", outcomes)
	}

	if err := db.InsertProvisioningStep(ProvisioningStep{DevEui: "aa", Step: "hello", Success: true, Detail: "attempt=x"}); err != nil {
		t.Fatalf("InsertProvisioningStep: %v", err)
	}
	steps, err := db.RecentProvisioningSteps(10)
	if err != nil {
		t.Fatalf("RecentProvisioningSteps: %v", err)
	}
	if len(steps) != 1 || steps[0].Step != "hello" || steps[0].Detail != "attempt=x" {
		t.Errorf("unexpected provisioning steps %+v", steps)
	}
}

// TestOpenIsIdempotent: re-opening the same database must run the
// migration without error and keep existing rows.
func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := db.InsertJoinAttempt(JoinAttempt{DevEui: "aa", Band: "SubGHz"}); err != nil {
		t.Fatalf("InsertJoinAttempt: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db.Close()

	rows, err := db.RecentJoinAttempts(10)
	if err != nil {
		t.Fatalf("RecentJoinAttempts: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("rows after re-open = %d, want 1", len(rows))
	}
}
