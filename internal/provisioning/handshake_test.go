package provisioning

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jacobsa/crypto/cmac"
)

func TestFullHandshake(t *testing.T) {
	devEui := [8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assignedDevEui := [8]byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}
	assignedJoinEui := [8]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0x00, 0x11}

	client, err := NewClient(devEui, "TEST-DEVICE-01", true)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	server, err := NewServer("TEST-DEVICE-01", assignedDevEui, assignedJoinEui)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	hello := client.BuildHello()
	if len(hello) != HelloLen {
		t.Fatalf("HELLO length = %d, want %d", len(hello), HelloLen)
	}

	helloResp, err := server.HandleHello(hello)
	if err != nil {
		t.Fatalf("server HandleHello: %v", err)
	}
	if len(helloResp) != HelloRespLen {
		t.Fatalf("HELLO_RESP length = %d, want %d", len(helloResp), HelloRespLen)
	}
	if err := client.HandleHelloResp(helloResp); err != nil {
		t.Fatalf("client HandleHelloResp: %v", err)
	}

	auth, err := client.BuildAuth()
	if err != nil {
		t.Fatalf("BuildAuth: %v", err)
	}
	if len(auth) != AuthLen {
		t.Fatalf("AUTH length = %d, want %d", len(auth), AuthLen)
	}

	authResp, serverResult, err := server.HandleAuth(auth)
	if err != nil {
		t.Fatalf("server HandleAuth: %v", err)
	}
	if len(authResp) != AuthAcceptLen {
		t.Fatalf("AUTH_ACCEPT length = %d, want %d", len(authResp), AuthAcceptLen)
	}

	result, err := client.HandleAuthResp(authResp)
	if err != nil {
		t.Fatalf("client HandleAuthResp: %v", err)
	}

	if result.DevEui != assignedDevEui {
		t.Errorf("DevEui = %x, want %x", result.DevEui, assignedDevEui)
	}
	if result.JoinEui != assignedJoinEui {
		t.Errorf("JoinEui = %x, want %x", result.JoinEui, assignedJoinEui)
	}
	if result.AppKey != serverResult.AppKey {
		t.Errorf("AppKey mismatch: client %x server %x", result.AppKey, serverResult.AppKey)
	}
	if result.NwkKey != serverResult.NwkKey {
		t.Errorf("NwkKey mismatch: client %x server %x", result.NwkKey, serverResult.NwkKey)
	}
}

func TestServerRejectsWrongProvisionID(t *testing.T) {
	devEui := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	client, _ := NewClient(devEui, "WRONG-IDENTITY", false)
	server, _ := NewServer("RIGHT-IDENTITY", [8]byte{9}, [8]byte{9})

	helloResp, err := server.HandleHello(client.BuildHello())
	if err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	if err := client.HandleHelloResp(helloResp); err != nil {
		t.Fatalf("HandleHelloResp: %v", err)
	}
	auth, err := client.BuildAuth()
	if err != nil {
		t.Fatalf("BuildAuth: %v", err)
	}

	reject, _, err := server.HandleAuth(auth)
	if err == nil {
		t.Fatal("expected server to reject AUTH for the wrong identity")
	}
	if len(reject) != AuthRejectLen || reject[0] != MsgAuthReject {
		t.Fatalf("expected an AUTH_REJECT frame, got %x", reject)
	}

	if _, err := client.HandleAuthResp(reject); !errors.Is(err, ErrRejected) {
		t.Fatalf("HandleAuthResp(reject) error = %v, want ErrRejected", err)
	}
}

func TestClientRejectsTamperedAuthResp(t *testing.T) {
	devEui := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

	client, _ := NewClient(devEui, "TEST", false)
	server, _ := NewServer("TEST", [8]byte{1}, [8]byte{2})

	helloResp, _ := server.HandleHello(client.BuildHello())
	if err := client.HandleHelloResp(helloResp); err != nil {
		t.Fatalf("HandleHelloResp: %v", err)
	}
	auth, _ := client.BuildAuth()
	authResp, _, err := server.HandleAuth(auth)
	if err != nil {
		t.Fatalf("HandleAuth: %v", err)
	}

	authResp[len(authResp)-1] ^= 0xFF // corrupt the encrypted verify code
	if _, err := client.HandleAuthResp(authResp); err == nil {
		t.Fatal("expected client to reject a tampered AUTH_RESP")
	}
}

// TestVerifyCodeMatchesCMAC pins the verify-code construction: the tag
// must equal CMAC-AES128(fixedKey, provisionId || nonce), so both ends
// can compute it independently.
func TestVerifyCodeMatchesCMAC(t *testing.T) {
	nonce := [NonceLen]byte{0x01, 0x02, 0x03, 0x04}
	got, err := CalVerifyCode("TEST", nonce)
	if err != nil {
		t.Fatalf("CalVerifyCode: %v", err)
	}

	key, err := FixedKey()
	if err != nil {
		t.Fatalf("FixedKey: %v", err)
	}
	signer, err := cmac.New(key[:])
	if err != nil {
		t.Fatalf("cmac.New: %v", err)
	}
	signer.Write([]byte("TEST"))
	signer.Write(nonce[:])
	want := signer.Sum(nil)[:VerifyCodeLen]

	if !bytes.Equal(got[:], want) {
		t.Errorf("verify code = %x, want %x", got, want)
	}

	other, err := CalVerifyCode("TEST", [NonceLen]byte{0x04, 0x03, 0x02, 0x01})
	if err != nil {
		t.Fatalf("CalVerifyCode: %v", err)
	}
	if got == other {
		t.Error("verify code did not change with the nonce")
	}
}

// TestEncryptPayloadIsInvolutive checks the counter-mode XOR cipher is its
// own inverse with matching parameters, and not with a flipped direction.
func TestEncryptPayloadIsInvolutive(t *testing.T) {
	devEui := [8]byte{8, 7, 6, 5, 4, 3, 2, 1}
	key := [16]byte{0xDE, 0xAD, 0xBE, 0xEF}

	plain := make([]byte, AuthPayloadLen)
	for i := range plain {
		plain[i] = byte(i * 7)
	}
	buf := append([]byte{}, plain...)

	if err := EncryptPayload(buf, key, devEui, DirUplink); err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if bytes.Equal(buf, plain) {
		t.Fatal("ciphertext equals plaintext")
	}
	if err := EncryptPayload(buf, key, devEui, DirUplink); err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if !bytes.Equal(buf, plain) {
		t.Fatal("double encryption did not round-trip to the plaintext")
	}

	if err := EncryptPayload(buf, key, devEui, DirDownlink); err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if err := EncryptPayload(buf, key, devEui, DirUplink); err != nil {
		t.Fatalf("EncryptPayload: %v", err)
	}
	if bytes.Equal(buf, plain) {
		t.Fatal("mismatched directions still round-tripped")
	}
}

func TestDerivedKeysArePairwiseDistinct(t *testing.T) {
	devEui := [8]byte{1, 1, 1, 1, 1, 1, 1, 1}
	var secret [SharedSecretLen]byte
	for i := range secret {
		secret[i] = byte(i)
	}

	keys, err := DeriveKeys(devEui, secret)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if keys.AppKey == keys.NwkKey || keys.AppKey == keys.ProvKey || keys.NwkKey == keys.ProvKey {
		t.Fatal("expected AppKey, NwkKey, ProvKey to be pairwise distinct")
	}

	// Derivation is a pure function of its inputs.
	again, err := DeriveKeys(devEui, secret)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if again != keys {
		t.Fatal("DeriveKeys is not deterministic")
	}
}

func TestHandshakeDerivesSameKeysBothSides(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	sa, err := a.SharedSecret(b.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	sb, err := b.SharedSecret(a.PublicKey())
	if err != nil {
		t.Fatalf("SharedSecret: %v", err)
	}
	if sa != sb {
		t.Fatal("ECDH shared secrets differ between the two sides")
	}

	devEui := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	ka, err := DeriveKeys(devEui, sa)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	kb, err := DeriveKeys(devEui, sb)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if ka != kb {
		t.Fatal("derived keys differ between the two sides")
	}
}
