// Package provisioning implements the four-message ECDH device
// provisioning handshake (spec: HELLO, HELLO_RESP, AUTH, AUTH_RESP)
// carried as LoRaWAN proprietary uplinks/downlinks while the Link
// Controller sits in its ProvHello/ProvAuth/ProvWait states. The frame
// layouts here are fixed by the provisioning server's wire contract and
// must not drift: every frame is a type byte, the 8-byte DevEUI, then a
// type-specific tail.
package provisioning

import (
	"fmt"
)

// Frame type bytes. Uplinks have the high bit clear, downlinks set.
const (
	MsgHello      byte = 0x01
	MsgHelloResp  byte = 0x81
	MsgAuth       byte = 0x11
	MsgAuthAccept byte = 0x91
	MsgAuthReject byte = 0x92
)

// ProtocolVersion is carried on HELLO so the server can reject a node
// speaking a newer handshake revision.
const ProtocolVersion byte = 0x01

// Field lengths.
const (
	PubKeyLen     = 64 // uncompressed P-256 X||Y, no format prefix
	NonceLen      = 4
	VerifyCodeLen = 16
	IDHashLen     = 32 // SHA-256 of the provisioning identity string
)

// Frame lengths.
const (
	HelloLen         = 1 + 8 + PubKeyLen + 1 + 1           // type, devEui, pubKey, version, mainnet
	HelloRespLen     = 1 + 8 + PubKeyLen + NonceLen        // type, devEui, serverPubKey, serverNonce
	AuthPayloadLen   = IDHashLen + VerifyCodeLen + NonceLen // idHash, verifyCode, devNonce (encrypted)
	AuthLen          = 1 + 8 + AuthPayloadLen
	AcceptPayloadLen = 8 + 8 + VerifyCodeLen // assignedDevEui, assignedJoinEui, verifyCode (encrypted)
	AuthAcceptLen    = 1 + 8 + AcceptPayloadLen
	AuthRejectLen    = 1 + 8
)

// HelloFrame opens the handshake: the node's DevEUI and ephemeral public
// key, plus the protocol version and whether the node wants the mainnet
// or test network.
type HelloFrame struct {
	DevEui  [8]byte
	PubKey  [PubKeyLen]byte
	Mainnet bool
}

func (f HelloFrame) Encode() []byte {
	buf := make([]byte, 0, HelloLen)
	buf = append(buf, MsgHello)
	buf = append(buf, f.DevEui[:]...)
	buf = append(buf, f.PubKey[:]...)
	buf = append(buf, ProtocolVersion)
	mainnet := byte(0)
	if f.Mainnet {
		mainnet = 1
	}
	return append(buf, mainnet)
}

func DecodeHello(buf []byte) (HelloFrame, error) {
	if len(buf) != HelloLen || buf[0] != MsgHello {
		return HelloFrame{}, fmt.Errorf("provisioning: malformed HELLO frame (%d bytes)", len(buf))
	}
	if buf[1+8+PubKeyLen] != ProtocolVersion {
		return HelloFrame{}, fmt.Errorf("provisioning: unsupported HELLO version %#x", buf[1+8+PubKeyLen])
	}
	var f HelloFrame
	copy(f.DevEui[:], buf[1:9])
	copy(f.PubKey[:], buf[9:9+PubKeyLen])
	f.Mainnet = buf[HelloLen-1] != 0
	return f, nil
}

// HelloRespFrame answers HELLO with the server's own ephemeral public key
// and a fresh server nonce the node must bind into its AUTH verify code.
type HelloRespFrame struct {
	DevEui      [8]byte
	PubKey      [PubKeyLen]byte
	ServerNonce [NonceLen]byte
}

func (f HelloRespFrame) Encode() []byte {
	buf := make([]byte, 0, HelloRespLen)
	buf = append(buf, MsgHelloResp)
	buf = append(buf, f.DevEui[:]...)
	buf = append(buf, f.PubKey[:]...)
	return append(buf, f.ServerNonce[:]...)
}

func DecodeHelloResp(buf []byte) (HelloRespFrame, error) {
	if len(buf) != HelloRespLen || buf[0] != MsgHelloResp {
		return HelloRespFrame{}, fmt.Errorf("provisioning: malformed HELLO_RESP frame (%d bytes)", len(buf))
	}
	var f HelloRespFrame
	copy(f.DevEui[:], buf[1:9])
	copy(f.PubKey[:], buf[9:9+PubKeyLen])
	copy(f.ServerNonce[:], buf[9+PubKeyLen:])
	return f, nil
}

// AuthFrame carries the encrypted proof: SHA-256 of the provisioning
// identity, the verify code computed over the server's nonce, and the
// node's own nonce, all under the session ProvKey in counter mode.
type AuthFrame struct {
	DevEui     [8]byte
	EncPayload [AuthPayloadLen]byte
}

func (f AuthFrame) Encode() []byte {
	buf := make([]byte, 0, AuthLen)
	buf = append(buf, MsgAuth)
	buf = append(buf, f.DevEui[:]...)
	return append(buf, f.EncPayload[:]...)
}

func DecodeAuth(buf []byte) (AuthFrame, error) {
	if len(buf) != AuthLen || buf[0] != MsgAuth {
		return AuthFrame{}, fmt.Errorf("provisioning: malformed AUTH frame (%d bytes)", len(buf))
	}
	var f AuthFrame
	copy(f.DevEui[:], buf[1:9])
	copy(f.EncPayload[:], buf[9:])
	return f, nil
}

// AuthAcceptFrame closes a successful handshake: the network-assigned
// DevEUI/JoinEUI and the server's verify code over the node's nonce,
// encrypted under the session ProvKey.
type AuthAcceptFrame struct {
	DevEui     [8]byte
	EncPayload [AcceptPayloadLen]byte
}

func (f AuthAcceptFrame) Encode() []byte {
	buf := make([]byte, 0, AuthAcceptLen)
	buf = append(buf, MsgAuthAccept)
	buf = append(buf, f.DevEui[:]...)
	return append(buf, f.EncPayload[:]...)
}

// AuthRejectFrame is the bare refusal: type byte and echoed DevEUI only.
type AuthRejectFrame struct {
	DevEui [8]byte
}

func (f AuthRejectFrame) Encode() []byte {
	buf := make([]byte, 0, AuthRejectLen)
	buf = append(buf, MsgAuthReject)
	return append(buf, f.DevEui[:]...)
}

// DecodeAuthResp decodes either AUTH_RESP form. A reject returns
// (frame, rejected=true, nil); callers must check rejected before reading
// the accept payload.
func DecodeAuthResp(buf []byte) (AuthAcceptFrame, bool, error) {
	if len(buf) == AuthRejectLen && buf[0] == MsgAuthReject {
		var f AuthAcceptFrame
		copy(f.DevEui[:], buf[1:9])
		return f, true, nil
	}
	if len(buf) != AuthAcceptLen || buf[0] != MsgAuthAccept {
		return AuthAcceptFrame{}, false, fmt.Errorf("provisioning: malformed AUTH_RESP frame (%d bytes)", len(buf))
	}
	var f AuthAcceptFrame
	copy(f.DevEui[:], buf[1:9])
	copy(f.EncPayload[:], buf[9:])
	return f, false, nil
}
