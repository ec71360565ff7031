package provisioning

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
)

// Server is the provisioning-authority side of the handshake. It exists
// so this package's and internal/link's tests can exercise a full
// four-message exchange without a real provisioning backend; a production
// server lives outside this repo and need only speak the same frames and
// derivation this file implements.
type Server struct {
	provisionID     string
	assignedDevEui  [8]byte
	assignedJoinEui [8]byte

	keys        KeyPair
	devEui      [8]byte
	serverNonce [NonceLen]byte
	derived     DerivedKeys
}

// NewServer creates a provisioning authority that accepts exactly one
// provisioning identity and assigns the given EUIs on success.
func NewServer(provisionID string, assignedDevEui, assignedJoinEui [8]byte) (*Server, error) {
	if len(provisionID) == 0 || len(provisionID) > MaxProvisionIDLen {
		return nil, fmt.Errorf("provisioning: provision id length %d out of range", len(provisionID))
	}
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Server{
		provisionID:     provisionID,
		assignedDevEui:  assignedDevEui,
		assignedJoinEui: assignedJoinEui,
		keys:            kp,
	}, nil
}

// HandleHello consumes a HELLO uplink and returns the HELLO_RESP payload,
// deriving the same session keys the node will.
func (s *Server) HandleHello(payload []byte) ([]byte, error) {
	f, err := DecodeHello(payload)
	if err != nil {
		return nil, err
	}
	secret, err := s.keys.SharedSecret(f.PubKey)
	if err != nil {
		return nil, err
	}
	derived, err := DeriveKeys(f.DevEui, secret)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(s.serverNonce[:]); err != nil {
		return nil, fmt.Errorf("provisioning: generate server nonce: %w", err)
	}
	s.devEui = f.DevEui
	s.derived = derived

	resp := HelloRespFrame{DevEui: f.DevEui, PubKey: s.keys.PublicKey(), ServerNonce: s.serverNonce}
	return resp.Encode(), nil
}

// HandleAuth consumes an AUTH uplink and returns either an AUTH_ACCEPT
// with the assigned EUIs or an AUTH_REJECT, plus (on accept) the keys the
// authority should persist against the device record. A verify-code or
// identity mismatch returns the reject frame together with an error.
func (s *Server) HandleAuth(payload []byte) ([]byte, Result, error) {
	f, err := DecodeAuth(payload)
	if err != nil {
		return nil, Result{}, err
	}
	if f.DevEui != s.devEui {
		return nil, Result{}, fmt.Errorf("provisioning: AUTH for wrong device")
	}

	plain := f.EncPayload
	if err := EncryptPayload(plain[:], s.derived.ProvKey, s.devEui, DirUplink); err != nil {
		return nil, Result{}, err
	}

	wantHash := sha256.Sum256([]byte(s.provisionID))
	wantCode, err := CalVerifyCode(s.provisionID, s.serverNonce)
	if err != nil {
		return nil, Result{}, err
	}
	hashOK := subtle.ConstantTimeCompare(plain[0:IDHashLen], wantHash[:]) == 1
	codeOK := subtle.ConstantTimeCompare(plain[IDHashLen:IDHashLen+VerifyCodeLen], wantCode[:]) == 1
	if !hashOK || !codeOK {
		reject := AuthRejectFrame{DevEui: s.devEui}.Encode()
		return reject, Result{}, fmt.Errorf("provisioning: AUTH verification failed")
	}

	var devNonce [NonceLen]byte
	copy(devNonce[:], plain[IDHashLen+VerifyCodeLen:])
	respCode, err := CalVerifyCode(s.provisionID, devNonce)
	if err != nil {
		return nil, Result{}, err
	}

	var acceptPayload [AcceptPayloadLen]byte
	copy(acceptPayload[0:8], s.assignedDevEui[:])
	copy(acceptPayload[8:16], s.assignedJoinEui[:])
	copy(acceptPayload[16:], respCode[:])
	if err := EncryptPayload(acceptPayload[:], s.derived.ProvKey, s.devEui, DirDownlink); err != nil {
		return nil, Result{}, err
	}

	res := Result{
		DevEui:  s.assignedDevEui,
		JoinEui: s.assignedJoinEui,
		AppKey:  s.derived.AppKey,
		NwkKey:  s.derived.NwkKey,
	}
	return AuthAcceptFrame{DevEui: s.devEui, EncPayload: acceptPayload}.Encode(), res, nil
}
