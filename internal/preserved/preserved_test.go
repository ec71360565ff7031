package preserved

import (
	"testing"

	"github.com/x2e/lora-link/internal/linkstate"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	snap := Snapshot{
		Vars: linkstate.Vars{
			AckCount:     3,
			NakCount:     1,
			FailCount:    -1,
			JoinInterval: 90000,
			UsingIsm2400: true,
			TxConfirmed:  true,
		},
		NvmContexts: []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}

	buf, err := Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Vars != snap.Vars {
		t.Errorf("Vars mismatch: got %+v want %+v", got.Vars, snap.Vars)
	}
	if string(got.NvmContexts) != string(snap.NvmContexts) {
		t.Errorf("NvmContexts mismatch: got %x want %x", got.NvmContexts, snap.NvmContexts)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	snap := Snapshot{Vars: linkstate.Vars{AckCount: 1}}
	buf, _ := Encode(snap)
	buf[0] ^= 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for corrupted magic")
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	snap := Snapshot{Vars: linkstate.Vars{AckCount: 1}}
	buf, _ := Encode(snap)
	buf[len(buf)-1] ^= 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for corrupted crc")
	}
}

func TestStoreLoadWithoutSaveErrors(t *testing.T) {
	s := NewStore()
	if _, err := s.Load(); err == nil {
		t.Fatal("expected error loading from an empty store")
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := NewStore()
	snap := Snapshot{Vars: linkstate.Vars{AckCount: 7, JoinRetryTimes: 2}}
	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Vars != snap.Vars {
		t.Errorf("Vars mismatch: got %+v want %+v", got.Vars, snap.Vars)
	}
}

func TestCRC16CCITTKnownVector(t *testing.T) {
	// "123456789" is the standard CRC16 test vector; CCITT-FALSE (init
	// 0xFFFF) gives 0x29B1 for it, but this package seeds 0x1234 to match
	// the preserved-state layout, so just check determinism and
	// sensitivity to input rather than a canonical constant.
	a := CRC16CCITT([]byte("123456789"))
	b := CRC16CCITT([]byte("123456789"))
	if a != b {
		t.Fatal("CRC16CCITT is not deterministic")
	}
	c := CRC16CCITT([]byte("123456780"))
	if a == c {
		t.Fatal("CRC16CCITT did not change for different input")
	}
}
