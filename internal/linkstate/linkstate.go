// Package linkstate holds the data the Link Controller owns: device
// settings, runtime counters, link status bits, and the TX/RX frame
// slots. It has no behavior of its own; the Controller in internal/link
// is the only writer, under its own mutex.
package linkstate

import "fmt"

// MaxPayload bounds an AppFrame's buffer, matching the largest payload the
// LoRaMAC service can be asked to carry on any supported region/DR.
const MaxPayload = 242

// Battery-level encoding handed back to LoRaMAC on DevStatusReq.
const (
	BatteryExternallyPowered uint8 = 0
	BatteryMin               uint8 = 1
	BatteryMax               uint8 = 254
	BatteryUnmeasured        uint8 = 255
)

// UnconfirmedBudget is how many unconfirmed uplinks are sent in a row
// before the next one is forced confirmed. The source default is 0, which
// degenerates SendSuccess's ratchet to "always confirmed"; see DESIGN.md.
const UnconfirmedBudget = 0

// MaxNoAckRetry bounds how many times a single frame is retried after a
// send failure before it is dropped.
const MaxNoAckRetry = 2

// LinkFailCount is the consecutive-failure threshold at which the Waiting
// state declares the link lost and forces a full re-join.
const LinkFailCount = 10

// Status is the LinkStatus bit set, mutated only under the link mutex.
type Status uint16

const (
	StatusJoinPass Status = 1 << iota
	StatusJoinFail
	StatusSendPass
	StatusSendFail
	StatusTxReady
	StatusRxReady
	StatusDevProv
	StatusError
)

func (s Status) Has(bit Status) bool { return s&bit != 0 }

func (s *Status) Set(bit Status)   { *s |= bit }
func (s *Status) Clear(bit Status) { *s &^= bit }

func (s Status) String() string {
	names := []struct {
		bit  Status
		name string
	}{
		{StatusJoinPass, "JOIN_PASS"},
		{StatusJoinFail, "JOIN_FAIL"},
		{StatusSendPass, "SEND_PASS"},
		{StatusSendFail, "SEND_FAIL"},
		{StatusTxReady, "TX_RDY"},
		{StatusRxReady, "RX_RDY"},
		{StatusDevProv, "DEV_PROV"},
		{StatusError, "ERROR"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "(none)"
	}
	return out
}

// Settings are the root identity/keys for the node. Created at first boot
// from the radio chip's hardware MAC address; mutated only by a successful
// provisioning handshake; persisted via internal/settings.
type Settings struct {
	DevEui        [8]byte
	JoinEui       [8]byte
	NwkKey        [16]byte
	AppKey        [16]byte
	ProvisionDone bool
}

// DefaultSettings derives a Settings from a hardware MAC address: the
// DevEUI is synthesized by inserting FF FE between bytes 3 and 4 of the
// MAC, the usual EUI-48 to EUI-64 expansion.
func DefaultSettings(hwMAC [6]byte) Settings {
	var s Settings
	s.DevEui[0], s.DevEui[1], s.DevEui[2] = hwMAC[0], hwMAC[1], hwMAC[2]
	s.DevEui[3], s.DevEui[4] = 0xFF, 0xFE
	s.DevEui[5], s.DevEui[6], s.DevEui[7] = hwMAC[3], hwMAC[4], hwMAC[5]
	// JoinEUI all-zero, NwkKey all-0x01, AppKey all-0x02 by default.
	for i := range s.NwkKey {
		s.NwkKey[i] = 0x01
	}
	for i := range s.AppKey {
		s.AppKey[i] = 0x02
	}
	return s
}

// Vars are the runtime counters and policy state the Link Controller
// mutates on every join/send cycle.
type Vars struct {
	AckCount         uint32
	NakCount         uint32
	FailCount        int32 // -1 disables link-failure gating
	JoinInterval     uint32
	JoinRetryTimes   uint8
	BatteryValue     uint8
	DateRate         int8
	UsingIsm2400     bool
	TxConfirmed      bool
	UnconfirmedCount uint16
}

// AppFrame is a single TX or RX slot. Size == -1 means the slot is empty;
// 0 means a blank MAC-only frame was requested; >0 means data is pending
// or present.
type AppFrame struct {
	Buffer [MaxPayload]byte
	Size   int16
	FPort  uint8
	Retry  uint8
}

// Empty reports whether the frame slot holds no pending data.
func (f *AppFrame) Empty() bool { return f.Size < 0 }

// Clear marks the slot empty and resets retry bookkeeping.
func (f *AppFrame) Clear() {
	f.Size = -1
	f.Retry = 0
}

// SetData copies payload into the slot, marking it pending.
func (f *AppFrame) SetData(payload []byte, fport uint8) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("linkstate: payload %d bytes exceeds max %d", len(payload), MaxPayload)
	}
	n := copy(f.Buffer[:], payload)
	f.Size = int16(n)
	f.FPort = fport
	f.Retry = 0
	return nil
}

// MonitorSnapshot is the read-only projection of link state pushed over the
// link monitor websocket feed (internal/monitor). It is never round-tripped
// back into the Link Controller.
type MonitorSnapshot struct {
	State            string `json:"state"`
	Status           string `json:"status"`
	AckCount         uint32 `json:"ack_count"`
	NakCount         uint32 `json:"nak_count"`
	FailCount        int32  `json:"fail_count"`
	UsingIsm2400     bool   `json:"using_ism2400"`
	JoinRetryTimes   uint8  `json:"join_retry_times"`
	UnconfirmedCount uint16 `json:"unconfirmed_count"`
	TxConfirmed      bool   `json:"tx_confirmed"`
}
