package cryptox

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dmitrijs2005/secvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptValue_RoundTrip(t *testing.T) {
	pk := NewProfileKey()

	blob, err := pk.EncryptValue([]byte("login"), []byte("github"), []byte("hunter2"))
	require.NoError(t, err)

	got, err := pk.DecryptValue([]byte("login"), []byte("github"), blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), got)
}

func TestEncryptValue_Randomized(t *testing.T) {
	pk := NewProfileKey()

	a, err := pk.EncryptValue([]byte("c"), []byte("n"), []byte("v"))
	require.NoError(t, err)
	b, err := pk.EncryptValue([]byte("c"), []byte("n"), []byte("v"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "value encryption must not be deterministic")
}

func TestDecryptValue_WrongIdentity(t *testing.T) {
	pk := NewProfileKey()

	blob, err := pk.EncryptValue([]byte("login"), []byte("github"), []byte("hunter2"))
	require.NoError(t, err)

	// The value is bound to its category and name. Swapping either must
	// fail authentication.
	_, err = pk.DecryptValue([]byte("login"), []byte("gitlab"), blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrorCrypto))

	_, err = pk.DecryptValue([]byte("note"), []byte("github"), blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrorCrypto))
}

func TestDecryptValue_WrongKey(t *testing.T) {
	blob, err := NewProfileKey().EncryptValue([]byte("c"), []byte("n"), []byte("v"))
	require.NoError(t, err)

	_, err = NewProfileKey().DecryptValue([]byte("c"), []byte("n"), blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrorCrypto))
}

func TestEncryptCategory_Deterministic(t *testing.T) {
	pk := NewProfileKey()

	a, err := pk.EncryptCategory([]byte("login"))
	require.NoError(t, err)
	b, err := pk.EncryptCategory([]byte("login"))
	require.NoError(t, err)
	c, err := pk.EncryptCategory([]byte("note"))
	require.NoError(t, err)

	// Equal plaintexts must yield equal ciphertexts so SQL equality
	// lookups work; different plaintexts must not.
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	got, err := pk.DecryptCategory(a)
	require.NoError(t, err)
	assert.Equal(t, []byte("login"), got)
}

func TestEncryptName_RoundTrip(t *testing.T) {
	pk := NewProfileKey()

	blob, err := pk.EncryptName([]byte("github"))
	require.NoError(t, err)

	got, err := pk.DecryptName(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("github"), got)
}

func TestNameAndCategoryKeysAreIndependent(t *testing.T) {
	pk := NewProfileKey()

	blob, err := pk.EncryptName([]byte("x"))
	require.NoError(t, err)

	_, err = pk.DecryptCategory(blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrorCrypto))
}

func TestEncryptTagField_RoundTrip(t *testing.T) {
	pk := NewProfileKey()

	a, err := pk.EncryptTagField([]byte("env"))
	require.NoError(t, err)
	b, err := pk.EncryptTagField([]byte("env"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	got, err := pk.DecryptTagField(a)
	require.NoError(t, err)
	assert.Equal(t, []byte("env"), got)
}

func TestOpen_TruncatedCiphertext(t *testing.T) {
	pk := NewProfileKey()

	_, err := pk.DecryptName([]byte{1, 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrorCrypto))
}
