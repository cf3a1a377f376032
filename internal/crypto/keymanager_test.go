package crypto

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	return ed25519.NewKeyFromSeed(seed)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := base58.Encode(testSecret(t))

	blob, err := EncryptKey(secret, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	_, err = EncryptKey(secret, "")
	require.Error(t, err)
}

func TestLoadKey_Sources(t *testing.T) {
	secret := testSecret(t)
	dir := t.TempDir()

	ints := make([]int, len(secret))
	for i, b := range secret {
		ints[i] = int(b)
	}
	keypair, err := json.Marshal(ints)
	require.NoError(t, err)
	keypairPath := filepath.Join(dir, "id.json")
	require.NoError(t, os.WriteFile(keypairPath, keypair, 0o600))

	blob, err := EncryptKey(base58.Encode(secret), "pw")
	require.NoError(t, err)
	encPath := filepath.Join(dir, "key.enc.json")
	require.NoError(t, os.WriteFile(encPath, blob, 0o600))

	for name, cfg := range map[string]KeyConfig{
		"raw":       {RawPrivateKey: base58.Encode(secret)},
		"keypair":   {KeypairPath: keypairPath},
		"encrypted": {EncryptedKeyPath: encPath, KeyPassword: "pw"},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := LoadKey(cfg)
			require.NoError(t, err)
			assert.True(t, secret.Equal(got))
		})
	}

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestLoadKey_RejectsMismatchedPublicHalf(t *testing.T) {
	secret := append(ed25519.PrivateKey(nil), testSecret(t)...)
	secret[63] ^= 0xff
	_, err := LoadKey(KeyConfig{RawPrivateKey: base58.Encode(secret)})
	require.Error(t, err)
}

func TestSigner(t *testing.T) {
	secret := testSecret(t)
	s, err := NewSigner(secret)
	require.NoError(t, err)

	pub := secret.Public().(ed25519.PublicKey)
	assert.Equal(t, base58.Encode(pub), s.Address())

	sig, err := s.Sign([]byte("message"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("message"), sig[:]))

	require.NotNil(t, s.KeyFor(s.PublicKey()))
	var other [32]byte
	assert.Nil(t, s.KeyFor(other))
}
