package api

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/x2e/lora-link/internal/link"
	"github.com/x2e/lora-link/internal/linkstate"
	"github.com/x2e/lora-link/internal/mac"
	"github.com/x2e/lora-link/internal/preserved"
	"github.com/x2e/lora-link/internal/radio"
	"github.com/x2e/lora-link/internal/settings"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	dir := t.TempDir()

	store := settings.NewStore(filepath.Join(dir, "settings.bin"))
	provisioned := linkstate.DefaultSettings([6]byte{1, 2, 3, 4, 5, 6})
	provisioned.ProvisionDone = true
	if err := store.Save(provisioned); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	ctrl := link.New(link.Config{
		Mac:       mac.NewFake(mac.DefaultFakeConfig()),
		Selector:  radio.NewSelector(nil, nil),
		Settings:  store,
		Preserved: preserved.NewStore(),
		HWMac:     [6]byte{1, 2, 3, 4, 5, 6},
	})
	if err := ctrl.Start(false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(ctrl.Stop)

	return New(ctrl)
}

func TestAPISendAndSnapshot(t *testing.T) {
	a := newTestAPI(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.State() != "Waiting" {
		time.Sleep(5 * time.Millisecond)
	}
	if a.State() != "Waiting" {
		t.Fatalf("link never reached Waiting, last state %s", a.State())
	}

	if err := a.Send([]byte("ping"), 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := a.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.AckCount > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("send never acknowledged")
}

func TestAPIIsBusyNeverBlocksForever(t *testing.T) {
	a := newTestAPI(t)
	done := make(chan struct{})
	go func() {
		a.IsBusy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("IsBusy blocked for over a second")
	}
}
