// Package rakeys implements the cryptographic primitives of the EPID
// remote-attestation handshake: P-256 ECDH in the SGX little-endian point
// encoding, the AES-CMAC based key-derivation function with its fixed
// purpose labels, MAC creation and verification, the service-provider key
// signature, and the report-data construction that binds a quote to one
// key exchange.
package rakeys

import (
	"crypto/aes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/aead/cmac"
)

const (
	// PublicKeyLen is the encoded length of an EC256 public key (x||y).
	PublicKeyLen = 64
	// SharedSecretLen is the length of the ECDH shared secret.
	SharedSecretLen = 32
	// MacLen is the length of an AES-CMAC tag.
	MacLen = 16
	// KeyLen is the length of every derived subkey.
	KeyLen = 16
	// SignatureLen is the encoded length of an EC256 signature (r||s).
	SignatureLen = 64
	// ReportDataLen is the length of the quote report-data field.
	ReportDataLen = 64
)

// Derivation labels. Each subkey purpose has its own label so that keys
// derived from one shared secret never collide across purposes.
const (
	// LabelSMK derives the session MAC key.
	LabelSMK = "SMK"
	// LabelSK derives the session secret key.
	LabelSK = "SK"
	// LabelMK derives the masking key.
	LabelMK = "MK"
	// LabelVK derives the verification key used in the report-data binding.
	LabelVK = "VK"
)

// GenerateKeyPair returns a fresh single-use P-256 key pair.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return key, nil
}

// EncodePublicKey encodes a P-256 public key in the SGX wire form:
// 32-byte little-endian x followed by 32-byte little-endian y.
func EncodePublicKey(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // uncompressed: 0x04 || X || Y, big-endian
	out := make([]byte, PublicKeyLen)
	copyReversed(out[:32], raw[1:33])
	copyReversed(out[32:], raw[33:65])
	return out
}

// DecodePublicKey parses a 64-byte SGX wire-form public key and checks it
// is a valid point on P-256.
func DecodePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != PublicKeyLen {
		return nil, fmt.Errorf("public key is %d bytes, expected %d", len(b), PublicKeyLen)
	}
	raw := make([]byte, 1+PublicKeyLen)
	raw[0] = 4
	copyReversed(raw[1:33], b[:32])
	copyReversed(raw[33:65], b[32:])
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 point: %w", err)
	}
	return pub, nil
}

// SharedSecret runs the ECDH agreement between our private key and the
// peer's wire-form public key. The result is the little-endian x
// coordinate of the shared point, per the SGX convention.
func SharedSecret(priv *ecdh.PrivateKey, peerWire []byte) ([]byte, error) {
	peer, err := DecodePublicKey(peerWire)
	if err != nil {
		return nil, err
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement: %w", err)
	}
	out := make([]byte, len(secret))
	copyReversed(out, secret)
	return out, nil
}

// DeriveKey derives a 128-bit subkey from a shared secret under the given
// purpose label. First the shared secret is turned into a key-derivation
// key with an all-zero CMAC key, then the subkey is the CMAC of the fixed
// derivation string 0x01 || label || 0x00 || 0x80 || 0x00.
func DeriveKey(sharedSecret []byte, label string) ([]byte, error) {
	kdk, err := Mac(make([]byte, KeyLen), sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("derive KDK: %w", err)
	}
	msg := make([]byte, 0, len(label)+4)
	msg = append(msg, 0x01)
	msg = append(msg, label...)
	msg = append(msg, 0x00, 0x80, 0x00)
	key, err := Mac(kdk, msg)
	if err != nil {
		return nil, fmt.Errorf("derive %q subkey: %w", label, err)
	}
	return key, nil
}

// Mac computes the AES-CMAC of data under a 128-bit key.
func Mac(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	tag, err := cmac.Sum(data, block, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("CMAC: %w", err)
	}
	return tag, nil
}

// VerifyMac recomputes the CMAC of data and compares it against tag in
// constant time.
func VerifyMac(key, data, tag []byte) (bool, error) {
	want, err := Mac(key, data)
	if err != nil {
		return false, err
	}
	if len(tag) != len(want) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(want, tag) == 1, nil
}

// SignKeys signs the concatenation of the challenger's and the enclave's
// wire-form public keys with the long-term service-provider key, binding
// the ephemeral exchange to the challenger's durable identity. The
// signature is encoded as 32-byte little-endian r followed by s.
func SignKeys(priv *ecdsa.PrivateKey, gb, ga []byte) ([]byte, error) {
	digest := sha256.New()
	digest.Write(gb)
	digest.Write(ga)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign key exchange: %w", err)
	}
	out := make([]byte, SignatureLen)
	var buf [32]byte
	r.FillBytes(buf[:])
	copyReversed(out[:32], buf[:])
	s.FillBytes(buf[:])
	copyReversed(out[32:], buf[:])
	return out, nil
}

// ReportData computes the value the enclave must have placed in the quote
// report-data field for this exchange: SHA-256 over Ga || Gb || VK, zero
// padded to the full field size.
func ReportData(ga, gb, sharedSecret []byte) ([]byte, error) {
	vk, err := DeriveKey(sharedSecret, LabelVK)
	if err != nil {
		return nil, err
	}
	digest := sha256.New()
	digest.Write(ga)
	digest.Write(gb)
	digest.Write(vk)
	out := make([]byte, ReportDataLen)
	copy(out, digest.Sum(nil))
	return out, nil
}

// LoadPrivateKey reads a PEM-encoded P-256 private key (SEC 1 or PKCS#8)
// from disk.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key file %s is not an ECDSA key", path)
	}
	return key, nil
}

func copyReversed(dst, src []byte) {
	for i, b := range src {
		dst[len(src)-1-i] = b
	}
}
