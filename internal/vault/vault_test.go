package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := New(key, "token-signing-key")
	require.NoError(t, err)
	return v
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt([]byte("s3cret-value"))
	require.NoError(t, err)
	assert.NotContains(t, string(ct), "s3cret-value")

	pt, err := v.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", string(pt))
}

func TestEncrypt_DistinctNonces(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)

	ct, err := v.Encrypt([]byte("value"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xff

	_, err = v.Decrypt(ct)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_RejectsWrongKey(t *testing.T) {
	a := newTestVault(t)
	b := newTestVault(t)

	ct, err := a.Encrypt([]byte("value"))
	require.NoError(t, err)

	_, err = b.Decrypt(ct)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecrypt_RejectsShortInput(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNew_RejectsBadKeys(t *testing.T) {
	_, err := New("not-base64!!!", "")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = New(short, "")
	assert.Error(t, err)
}

func TestNewToken_ShapeAndVerify(t *testing.T) {
	v := newTestVault(t)

	token, prefix, hash, err := v.NewToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, "ando_"))
	assert.Equal(t, token[:8], prefix)
	assert.Equal(t, prefix, TokenPrefix(token))

	assert.True(t, v.VerifyToken(token, hash))
	assert.False(t, v.VerifyToken(token+"x", hash))
}

func TestVerifyToken_DependsOnSigningKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	a, err := New(key, "key-a")
	require.NoError(t, err)
	b, err := New(key, "key-b")
	require.NoError(t, err)

	token, _, hash, err := a.NewToken()
	require.NoError(t, err)
	assert.False(t, b.VerifyToken(token, hash))
}

func TestTokenPrefix_ShortToken(t *testing.T) {
	assert.Equal(t, "abc", TokenPrefix("abc"))
}
