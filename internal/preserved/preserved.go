// Package preserved implements the across-deep-sleep state snapshot: the
// LoRaMAC NVM contexts and the Link Controller's own Vars, CRC-guarded
// and written to whatever backing store survives a deep sleep cycle on
// the target board (here, a plain in-process byte buffer the caller is
// responsible for placing in retained RAM).
package preserved

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/x2e/lora-link/internal/linkstate"
)

// Magic tags a valid preserved-state blob.
const Magic uint32 = 0x48AD3F56

// crc16InitCCITT is the initial register value the preserved-state layout
// uses, in place of the 0xFFFF that CCITT-FALSE seeds with.
const crc16InitCCITT uint16 = 0x1234

// CRC16CCITT computes a CCITT CRC16 (poly 0x1021, init 0x1234, no
// reflection, no final XOR) over data.
func CRC16CCITT(data []byte) uint16 {
	crc := crc16InitCCITT
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Snapshot is everything carried across a deep sleep cycle.
type Snapshot struct {
	Vars        linkstate.Vars
	NvmContexts []byte // opaque LoRaMAC NVM blob, round-tripped via MibNvmContexts
}

// Encode serializes a Snapshot into the magic+length-prefixed+CRC-suffixed
// wire form retained memory holds.
func Encode(s Snapshot) ([]byte, error) {
	var body bytes.Buffer

	if err := binary.Write(&body, binary.LittleEndian, s.Vars.AckCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.NakCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.FailCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.JoinInterval); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.JoinRetryTimes); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.BatteryValue); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.DateRate); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.UsingIsm2400); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.TxConfirmed); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, s.Vars.UnconfirmedCount); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, uint32(len(s.NvmContexts))); err != nil {
		return nil, err
	}
	body.Write(s.NvmContexts)

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, Magic)
	payload := body.Bytes()
	out.Write(payload)
	binary.Write(&out, binary.LittleEndian, CRC16CCITT(payload))
	return out.Bytes(), nil
}

// Decode is Encode's inverse. It returns an error if the magic or CRC do
// not match, the contract the Link Controller's boot path uses to decide
// whether this is a cold boot (no valid preserved state) or a wakeup from
// deep sleep.
func Decode(buf []byte) (Snapshot, error) {
	const headerLen = 4
	const crcLen = 2
	if len(buf) < headerLen+crcLen {
		return Snapshot{}, fmt.Errorf("preserved: blob too short")
	}

	magic := binary.LittleEndian.Uint32(buf[:headerLen])
	if magic != Magic {
		return Snapshot{}, fmt.Errorf("preserved: bad magic %#x", magic)
	}

	payload := buf[headerLen : len(buf)-crcLen]
	wantCRC := binary.LittleEndian.Uint16(buf[len(buf)-crcLen:])
	if gotCRC := CRC16CCITT(payload); gotCRC != wantCRC {
		return Snapshot{}, fmt.Errorf("preserved: crc mismatch: got %#x want %#x", gotCRC, wantCRC)
	}

	r := bytes.NewReader(payload)
	var s Snapshot
	for _, field := range []any{
		&s.Vars.AckCount, &s.Vars.NakCount, &s.Vars.FailCount, &s.Vars.JoinInterval,
		&s.Vars.JoinRetryTimes, &s.Vars.BatteryValue, &s.Vars.DateRate,
		&s.Vars.UsingIsm2400, &s.Vars.TxConfirmed, &s.Vars.UnconfirmedCount,
	} {
		if err := binary.Read(r, binary.LittleEndian, field); err != nil {
			return Snapshot{}, fmt.Errorf("preserved: decode field: %w", err)
		}
	}

	var nvmLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nvmLen); err != nil {
		return Snapshot{}, fmt.Errorf("preserved: decode nvm length: %w", err)
	}
	nvm := make([]byte, nvmLen)
	if _, err := r.Read(nvm); err != nil && nvmLen > 0 {
		return Snapshot{}, fmt.Errorf("preserved: decode nvm contexts: %w", err)
	}
	s.NvmContexts = nvm

	return s, nil
}

// Store is the retained-memory backing the caller supplies at boot. On
// real hardware this wraps a small region of RTC/backup RAM that survives
// deep sleep; here it is a plain byte slice, with no lock, the process keeps
// alive for its own lifetime, since this module never actually powers the
// MCU down.
type Store struct {
	buf []byte
}

func NewStore() *Store { return &Store{} }

func (s *Store) Save(snap Snapshot) error {
	buf, err := Encode(snap)
	if err != nil {
		return err
	}
	s.buf = buf
	return nil
}

// Load returns the last saved Snapshot, or an error if none has ever been
// saved or the stored blob is corrupt; both cases the caller treats as
// cold boot.
func (s *Store) Load() (Snapshot, error) {
	if s.buf == nil {
		return Snapshot{}, fmt.Errorf("preserved: no snapshot saved")
	}
	return Decode(s.buf)
}
