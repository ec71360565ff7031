package provisioning

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrRejected is returned by HandleAuthResp when the server answered with
// an AUTH_REJECT frame. The Link Controller restarts provisioning from
// ProvStart on this, same as on a verify-code mismatch.
var ErrRejected = errors.New("provisioning: server rejected AUTH")

// Client drives the node side of the handshake across the Link
// Controller's ProvHello/ProvAuth/ProvWait states. Each exported method
// corresponds to one state's action; the Link Controller owns all timing
// and retry policy, this type only owns the crypto and framing.
type Client struct {
	devEui      [8]byte
	provisionID string
	mainnet     bool

	keys     KeyPair
	devNonce [NonceLen]byte

	serverNonce [NonceLen]byte
	derived     DerivedKeys
	helloDone   bool
}

// NewClient starts a fresh handshake attempt with a new ephemeral key
// pair and a new device nonce. Call once per ProvStart entry, never
// reused across attempts.
func NewClient(devEui [8]byte, provisionID string, mainnet bool) (*Client, error) {
	if len(provisionID) == 0 || len(provisionID) > MaxProvisionIDLen {
		return nil, fmt.Errorf("provisioning: provision id length %d out of range", len(provisionID))
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c := &Client{devEui: devEui, provisionID: provisionID, mainnet: mainnet, keys: kp}
	if _, err := rand.Read(c.devNonce[:]); err != nil {
		return nil, fmt.Errorf("provisioning: generate dev nonce: %w", err)
	}
	return c, nil
}

// BuildHello produces the HELLO uplink payload for the ProvHello state.
func (c *Client) BuildHello() []byte {
	return HelloFrame{DevEui: c.devEui, PubKey: c.keys.PublicKey(), Mainnet: c.mainnet}.Encode()
}

// HandleHelloResp consumes the HELLO_RESP downlink: it checks the echoed
// DevEUI, records the server's nonce, and runs the full key schedule off
// the ECDH shared secret.
func (c *Client) HandleHelloResp(payload []byte) error {
	f, err := DecodeHelloResp(payload)
	if err != nil {
		return err
	}
	if f.DevEui != c.devEui {
		return fmt.Errorf("provisioning: HELLO_RESP for wrong device")
	}
	secret, err := c.keys.SharedSecret(f.PubKey)
	if err != nil {
		return err
	}
	derived, err := DeriveKeys(c.devEui, secret)
	if err != nil {
		return err
	}
	c.serverNonce = f.ServerNonce
	c.derived = derived
	c.helloDone = true
	return nil
}

// BuildAuth produces the AUTH uplink for the ProvAuth state: the hash of
// the provisioning identity, the verify code over the server's nonce, and
// the device nonce, encrypted under the session ProvKey.
func (c *Client) BuildAuth() ([]byte, error) {
	if !c.helloDone {
		return nil, fmt.Errorf("provisioning: AUTH requested before HELLO_RESP")
	}
	code, err := CalVerifyCode(c.provisionID, c.serverNonce)
	if err != nil {
		return nil, err
	}

	var payload [AuthPayloadLen]byte
	idHash := sha256.Sum256([]byte(c.provisionID))
	copy(payload[0:IDHashLen], idHash[:])
	copy(payload[IDHashLen:IDHashLen+VerifyCodeLen], code[:])
	copy(payload[IDHashLen+VerifyCodeLen:], c.devNonce[:])

	if err := EncryptPayload(payload[:], c.derived.ProvKey, c.devEui, DirUplink); err != nil {
		return nil, err
	}
	return AuthFrame{DevEui: c.devEui, EncPayload: payload}.Encode(), nil
}

// Result is what a successful handshake hands back to the Link
// Controller: the assigned EUIs and the derived long-term keys to write
// into the link settings.
type Result struct {
	DevEui  [8]byte
	JoinEui [8]byte
	AppKey  [16]byte
	NwkKey  [16]byte
}

// HandleAuthResp consumes the AUTH_RESP downlink for the ProvWait state.
// A reject frame returns ErrRejected; an accept whose decrypted verify
// code does not equal CalVerifyCode(provisionId, devNonce) is treated the
// same way; the server has not proven it holds the fixed key and this
// attempt must be abandoned.
func (c *Client) HandleAuthResp(payload []byte) (Result, error) {
	f, rejected, err := DecodeAuthResp(payload)
	if err != nil {
		return Result{}, err
	}
	if f.DevEui != c.devEui {
		return Result{}, fmt.Errorf("provisioning: AUTH_RESP for wrong device")
	}
	if rejected {
		return Result{}, ErrRejected
	}

	plain := f.EncPayload
	if err := EncryptPayload(plain[:], c.derived.ProvKey, c.devEui, DirDownlink); err != nil {
		return Result{}, err
	}

	var res Result
	copy(res.DevEui[:], plain[0:8])
	copy(res.JoinEui[:], plain[8:16])
	var code [VerifyCodeLen]byte
	copy(code[:], plain[16:])

	want, err := CalVerifyCode(c.provisionID, c.devNonce)
	if err != nil {
		return Result{}, err
	}
	if code != want {
		return Result{}, fmt.Errorf("provisioning: AUTH_RESP verify code mismatch")
	}

	res.AppKey = c.derived.AppKey
	res.NwkKey = c.derived.NwkKey
	return res, nil
}
