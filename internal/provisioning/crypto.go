package provisioning

import (
	"crypto/aes"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/jacobsa/crypto/cmac"
)

// epromKey unwraps the provisioning fixed key at runtime. The verify-code
// secret is never stored in plaintext in the binary: what ships is
// encFixedKey, and fixedKey = AES128(epromKey, encFixedKey). Both sides of
// the handshake hold the same pair at build time.
var epromKey = [16]byte{
	0x8C, 0x11, 0x5B, 0x2E, 0xC0, 0x7A, 0x93, 0x44,
	0x6F, 0xD8, 0x21, 0xB5, 0x0A, 0xE7, 0x3C, 0x99,
}

var encFixedKey = [16]byte{
	0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6,
	0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C,
}

// FixedKey unwraps the build-time verify-code key: a single AES-128
// encryption of encFixedKey under epromKey. Changing either constant
// changes every verify code.
func FixedKey() ([16]byte, error) {
	block, err := aes.NewCipher(epromKey[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("provisioning: unwrap fixed key: %w", err)
	}
	var out [16]byte
	block.Encrypt(out[:], encFixedKey[:])
	return out, nil
}

// MaxProvisionIDLen bounds the ASCII provisioning identity string.
const MaxProvisionIDLen = 32

// CalVerifyCode computes the 16-byte verify code binding a provisioning
// identity to a nonce: CMAC-AES128(fixedKey, provisionId || nonce). The
// node sends it under the server's nonce in AUTH; the server returns it
// under the node's nonce in AUTH_RESP.
func CalVerifyCode(provisionID string, nonce [NonceLen]byte) ([VerifyCodeLen]byte, error) {
	var out [VerifyCodeLen]byte
	if len(provisionID) == 0 || len(provisionID) > MaxProvisionIDLen {
		return out, fmt.Errorf("provisioning: provision id length %d out of range", len(provisionID))
	}
	key, err := FixedKey()
	if err != nil {
		return out, err
	}

	signer, err := cmac.New(key[:])
	if err != nil {
		return out, fmt.Errorf("provisioning: new cmac: %w", err)
	}
	msg := append([]byte(provisionID), nonce[:]...)
	if _, err := signer.Write(msg); err != nil {
		return out, fmt.Errorf("provisioning: cmac write: %w", err)
	}
	copy(out[:], signer.Sum(nil)[:VerifyCodeLen])
	return out, nil
}

// KeyPair is an ephemeral P-256 key pair, regenerated for every
// provisioning attempt. The public key travels as raw 64-byte X||Y
// coordinates, and the shared secret is the full 64-byte X||Y of the
// scalar product; the key-derivation schedule below consumes bytes past
// the X coordinate, so crypto/ecdh's X-only output is not enough here.
type KeyPair struct {
	d   []byte
	pub [PubKeyLen]byte
}

// GenerateKeyPair creates a fresh ephemeral key pair from the secure RNG.
func GenerateKeyPair() (KeyPair, error) {
	d, x, y, err := elliptic.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("provisioning: generate ecdh key: %w", err)
	}
	var kp KeyPair
	kp.d = d
	x.FillBytes(kp.pub[:32])
	y.FillBytes(kp.pub[32:])
	return kp, nil
}

// PublicKey returns the uncompressed 64-byte X||Y coordinates for the wire.
func (k KeyPair) PublicKey() [PubKeyLen]byte { return k.pub }

// SharedSecret runs ECDH against the peer's 64-byte public key, returning
// the full 64-byte point.
func (k KeyPair) SharedSecret(peer [PubKeyLen]byte) ([SharedSecretLen]byte, error) {
	var out [SharedSecretLen]byte
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(peer[:32])
	y := new(big.Int).SetBytes(peer[32:])
	if !curve.IsOnCurve(x, y) {
		return out, fmt.Errorf("provisioning: peer public key not on curve")
	}
	sx, sy := curve.ScalarMult(x, y, k.d)
	if sx.Sign() == 0 && sy.Sign() == 0 {
		return out, fmt.Errorf("provisioning: ecdh produced point at infinity")
	}
	sx.FillBytes(out[:32])
	sy.FillBytes(out[32:])
	return out, nil
}

// SharedSecretLen is the full ECDH point length the derivation schedule
// slices keys out of.
const SharedSecretLen = 64

// Key-derivation labels. Each derived key gets its own label byte and its
// own slice of the shared secret, so the three are independent even though
// they share a root.
const (
	labelAppKey  byte = 1
	labelNwkKey  byte = 2
	labelProvKey byte = 3
)

// DerivedKeys is the output of the post-HELLO_RESP key schedule.
type DerivedKeys struct {
	AppKey  [16]byte
	NwkKey  [16]byte
	ProvKey [16]byte
}

// DeriveKeys runs the key schedule over the ECDH shared secret:
// K1 = secret[0:16], K2 = secret[32:48], K3 = secret[16:24]||secret[48:56],
// and each derived key is AES128(Ki, block) where block is 16 bytes of the
// label value with the devEui overwriting the first 8.
func DeriveKeys(devEui [8]byte, secret [SharedSecretLen]byte) (DerivedKeys, error) {
	var k1, k2, k3 [16]byte
	copy(k1[:], secret[0:16])
	copy(k2[:], secret[32:48])
	copy(k3[0:8], secret[16:24])
	copy(k3[8:16], secret[48:56])

	var out DerivedKeys
	var err error
	if out.AppKey, err = deriveOne(k1, labelAppKey, devEui); err != nil {
		return out, err
	}
	if out.NwkKey, err = deriveOne(k2, labelNwkKey, devEui); err != nil {
		return out, err
	}
	if out.ProvKey, err = deriveOne(k3, labelProvKey, devEui); err != nil {
		return out, err
	}
	return out, nil
}

func deriveOne(key [16]byte, label byte, devEui [8]byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, fmt.Errorf("provisioning: derive key cipher: %w", err)
	}

	var plain [16]byte
	for i := range plain {
		plain[i] = label
	}
	copy(plain[:8], devEui[:])

	var out [16]byte
	block.Encrypt(out[:], plain[:])
	return out, nil
}

// Payload directions for the counter-mode cipher.
const (
	DirUplink   byte = 0
	DirDownlink byte = 1
)

// EncryptPayload runs the LoRaWAN-style A-block counter cipher in place:
// A[0]=0x02, A[5]=dir, A[6:14]=devEui, A[15]=block counter starting at 1;
// each 16-byte keystream block S = AES128(key, A) is XORed into the
// payload. XOR makes it its own inverse, so decryption is the same call
// with matching parameters.
func EncryptPayload(payload []byte, key [16]byte, devEui [8]byte, dir byte) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("provisioning: payload cipher: %w", err)
	}

	var a [16]byte
	a[0] = 0x02
	a[5] = dir
	copy(a[6:14], devEui[:])

	counter := byte(1)
	for off := 0; off < len(payload); off += 16 {
		a[15] = counter
		counter++
		var s [16]byte
		block.Encrypt(s[:], a[:])
		n := len(payload) - off
		if n > 16 {
			n = 16
		}
		for i := 0; i < n; i++ {
			payload[off+i] ^= s[i]
		}
	}
	return nil
}
