package security_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/security"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("some-arbitrary-length-secret"))
	require.NoError(t, err)

	cipher, err := enc.Encrypt([]byte("queued message body"))
	require.NoError(t, err)
	assert.NotContains(t, cipher, "queued")

	plain, err := enc.Decrypt(cipher)
	require.NoError(t, err)
	assert.Equal(t, "queued message body", string(plain))
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	enc, err := security.NewEncryptor([]byte("secret"))
	require.NoError(t, err)

	cipher, err := enc.Encrypt([]byte("payload"))
	require.NoError(t, err)

	tampered := []byte(cipher)
	tampered[len(tampered)-5] ^= 'x'
	_, err = enc.Decrypt(string(tampered))
	assert.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	enc1, err := security.NewEncryptor([]byte("key-one"))
	require.NoError(t, err)
	enc2, err := security.NewEncryptor([]byte("key-two"))
	require.NoError(t, err)

	cipher, err := enc1.Encrypt([]byte("payload"))
	require.NoError(t, err)
	_, err = enc2.Decrypt(cipher)
	assert.Error(t, err)
}

func TestEmptyKeyRejected(t *testing.T) {
	_, err := security.NewEncryptor(nil)
	assert.Error(t, err)
}

func TestIdentityFromToken(t *testing.T) {
	claims := jwt.MapClaims{"sub": "alice", "name": "Alice A.", "exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-side-secret"))
	require.NoError(t, err)

	identity, err := security.IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "Alice A.", identity.DisplayName)
}

func TestIdentityFallsBackToSubject(t *testing.T) {
	claims := jwt.MapClaims{"sub": "bob"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)

	identity, err := security.IdentityFromToken(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.DisplayName)
}

func TestIdentityRejectsGarbage(t *testing.T) {
	_, err := security.IdentityFromToken("")
	assert.Error(t, err)

	_, err = security.IdentityFromToken("not a token")
	assert.Error(t, err)

	// structurally valid token without a subject
	claims := jwt.MapClaims{"name": "nobody"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = security.IdentityFromToken(token)
	assert.Error(t, err)
}
