package rakeys_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidp94/sgx-ra-challenger/pkg/rakeys"
)

func TestPublicKeyEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	priv, err := rakeys.GenerateKeyPair()
	require.NoError(t, err)

	wire := rakeys.EncodePublicKey(priv.PublicKey())
	require.Len(t, wire, rakeys.PublicKeyLen)

	decoded, err := rakeys.DecodePublicKey(wire)
	require.NoError(t, err)
	require.True(t, priv.PublicKey().Equal(decoded))
}

func TestDecodePublicKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	t.Run("wrong length", func(t *testing.T) {
		t.Parallel()
		_, err := rakeys.DecodePublicKey(make([]byte, 63))
		require.Error(t, err)
	})

	t.Run("not on curve", func(t *testing.T) {
		t.Parallel()
		bad := make([]byte, rakeys.PublicKeyLen)
		for i := range bad {
			bad[i] = 0xff
		}
		_, err := rakeys.DecodePublicKey(bad)
		require.Error(t, err)
	})
}

func TestSharedSecretAgreement(t *testing.T) {
	t.Parallel()

	alice, err := rakeys.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := rakeys.GenerateKeyPair()
	require.NoError(t, err)

	aliceSecret, err := rakeys.SharedSecret(alice, rakeys.EncodePublicKey(bob.PublicKey()))
	require.NoError(t, err)
	bobSecret, err := rakeys.SharedSecret(bob, rakeys.EncodePublicKey(alice.PublicKey()))
	require.NoError(t, err)

	require.Len(t, aliceSecret, rakeys.SharedSecretLen)
	require.Equal(t, aliceSecret, bobSecret)
}

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	secret := make([]byte, rakeys.SharedSecretLen)
	for i := range secret {
		secret[i] = byte(i)
	}

	t.Run("stable across derivations", func(t *testing.T) {
		t.Parallel()
		first, err := rakeys.DeriveKey(secret, rakeys.LabelSMK)
		require.NoError(t, err)
		second, err := rakeys.DeriveKey(secret, rakeys.LabelSMK)
		require.NoError(t, err)
		require.Equal(t, first, second)
		require.Len(t, first, rakeys.KeyLen)
	})

	t.Run("labels separate key purposes", func(t *testing.T) {
		t.Parallel()
		labels := []string{rakeys.LabelSMK, rakeys.LabelSK, rakeys.LabelMK, rakeys.LabelVK}
		seen := make(map[string][]byte)
		for _, label := range labels {
			key, err := rakeys.DeriveKey(secret, label)
			require.NoError(t, err)
			for other, otherKey := range seen {
				require.NotEqual(t, otherKey, key, "labels %q and %q derived the same key", other, label)
			}
			seen[label] = key
		}
	})

	t.Run("different secrets give different keys", func(t *testing.T) {
		t.Parallel()
		other := make([]byte, rakeys.SharedSecretLen)
		copy(other, secret)
		other[0] ^= 1
		a, err := rakeys.DeriveKey(secret, rakeys.LabelSMK)
		require.NoError(t, err)
		b, err := rakeys.DeriveKey(other, rakeys.LabelSMK)
		require.NoError(t, err)
		require.NotEqual(t, a, b)
	})
}

func TestMacVerify(t *testing.T) {
	t.Parallel()

	key := make([]byte, rakeys.KeyLen)
	data := []byte("some protocol tuple")

	tag, err := rakeys.Mac(key, data)
	require.NoError(t, err)
	require.Len(t, tag, rakeys.MacLen)

	ok, err := rakeys.VerifyMac(key, data, tag)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("tampered data", func(t *testing.T) {
		t.Parallel()
		tampered := append([]byte(nil), data...)
		tampered[0] ^= 1
		ok, err := rakeys.VerifyMac(key, tampered, tag)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("tampered tag", func(t *testing.T) {
		t.Parallel()
		badTag := append([]byte(nil), tag...)
		badTag[0] ^= 1
		ok, err := rakeys.VerifyMac(key, data, badTag)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("truncated tag", func(t *testing.T) {
		t.Parallel()
		ok, err := rakeys.VerifyMac(key, data, tag[:8])
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestSignKeysVerifiable(t *testing.T) {
	t.Parallel()

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	gb := make([]byte, rakeys.PublicKeyLen)
	ga := make([]byte, rakeys.PublicKeyLen)
	for i := range ga {
		gb[i] = byte(i)
		ga[i] = byte(255 - i)
	}

	sig, err := rakeys.SignKeys(signingKey, gb, ga)
	require.NoError(t, err)
	require.Len(t, sig, rakeys.SignatureLen)

	digest := sha256.New()
	digest.Write(gb)
	digest.Write(ga)

	r := new(big.Int).SetBytes(reverse(sig[:32]))
	s := new(big.Int).SetBytes(reverse(sig[32:]))
	require.True(t, ecdsa.Verify(&signingKey.PublicKey, digest.Sum(nil), r, s))
}

func TestReportData(t *testing.T) {
	t.Parallel()

	ga := make([]byte, rakeys.PublicKeyLen)
	gb := make([]byte, rakeys.PublicKeyLen)
	secret := make([]byte, rakeys.SharedSecretLen)
	for i := range secret {
		secret[i] = byte(i)
	}

	expected, err := rakeys.ReportData(ga, gb, secret)
	require.NoError(t, err)
	require.Len(t, expected, rakeys.ReportDataLen)
	// Upper half of the field stays zero.
	require.Equal(t, make([]byte, 32), expected[32:])

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()
		again, err := rakeys.ReportData(ga, gb, secret)
		require.NoError(t, err)
		require.Equal(t, expected, again)
	})

	t.Run("sensitive to every input", func(t *testing.T) {
		t.Parallel()
		altGa := append([]byte(nil), ga...)
		altGa[0] ^= 1
		altGb := append([]byte(nil), gb...)
		altGb[0] ^= 1
		altSecret := append([]byte(nil), secret...)
		altSecret[0] ^= 1

		forGa, err := rakeys.ReportData(altGa, gb, secret)
		require.NoError(t, err)
		forGb, err := rakeys.ReportData(ga, altGb, secret)
		require.NoError(t, err)
		forSecret, err := rakeys.ReportData(ga, gb, altSecret)
		require.NoError(t, err)

		require.NotEqual(t, expected, forGa)
		require.NotEqual(t, expected, forGb)
		require.NotEqual(t, expected, forSecret)
	})
}

func TestLoadPrivateKey(t *testing.T) {
	t.Parallel()

	writeKey := func(t *testing.T, der []byte, pemType string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "key.pem")
		data := pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}

	t.Run("sec1", func(t *testing.T) {
		t.Parallel()
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)

		loaded, err := rakeys.LoadPrivateKey(writeKey(t, der, "EC PRIVATE KEY"))
		require.NoError(t, err)
		require.True(t, key.Equal(loaded))
	})

	t.Run("pkcs8", func(t *testing.T) {
		t.Parallel()
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)

		loaded, err := rakeys.LoadPrivateKey(writeKey(t, der, "PRIVATE KEY"))
		require.NoError(t, err)
		require.True(t, key.Equal(loaded))
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := rakeys.LoadPrivateKey(filepath.Join(t.TempDir(), "absent.pem"))
		require.Error(t, err)
	})

	t.Run("not a key", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "junk.pem")
		require.NoError(t, os.WriteFile(path, []byte("not pem"), 0o600))
		_, err := rakeys.LoadPrivateKey(path)
		require.Error(t, err)
	})
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
