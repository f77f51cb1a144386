package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/dmitrijs2005/secvault/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// ProfileKey holds the symmetric subkeys encrypting all entries of one
// profile. It is generated once at profile creation and is read-only
// afterwards; rekey changes its wrapped form, never the key material.
//
// Category, name and tag fields use deterministic encryption so their
// ciphertexts can participate in SQL equality lookups. Values use a
// random nonce plus the category/name pair as associated data, so a
// value cannot be reattached to a different identity without failing
// decryption.
type ProfileKey struct {
	CategoryKey []byte `json:"category_key"`
	NameKey     []byte `json:"name_key"`
	ValueKey    []byte `json:"value_key"`
	TagKey      []byte `json:"tag_key"`
	HmacKey     []byte `json:"hmac_key"`
}

// NewProfileKey generates a fresh set of profile subkeys.
func NewProfileKey() *ProfileKey {
	return &ProfileKey{
		CategoryKey: common.GenerateRandByteArray(KeySize),
		NameKey:     common.GenerateRandByteArray(KeySize),
		ValueKey:    common.GenerateRandByteArray(KeySize),
		TagKey:      common.GenerateRandByteArray(KeySize),
		HmacKey:     common.GenerateRandByteArray(KeySize),
	}
}

// encryptDeterministic seals plaintext with a synthetic nonce derived
// from an HMAC of the plaintext, so equal inputs produce equal outputs.
func (k *ProfileKey) encryptDeterministic(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}

	mac := hmac.New(sha256.New, k.HmacKey)
	mac.Write(plaintext)
	nonce := mac.Sum(nil)[:aead.NonceSize()]

	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func (k *ProfileKey) open(key, blob, aad []byte, field string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: %s ciphertext is truncated", common.ErrorCrypto, field)
	}

	plaintext, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %s decryption failed", common.ErrorCrypto, field)
	}
	return plaintext, nil
}

// EncryptCategory deterministically encrypts an entry category.
func (k *ProfileKey) EncryptCategory(category []byte) ([]byte, error) {
	return k.encryptDeterministic(k.CategoryKey, category)
}

// DecryptCategory reverses EncryptCategory.
func (k *ProfileKey) DecryptCategory(blob []byte) ([]byte, error) {
	return k.open(k.CategoryKey, blob, nil, "category")
}

// EncryptName deterministically encrypts an entry name.
func (k *ProfileKey) EncryptName(name []byte) ([]byte, error) {
	return k.encryptDeterministic(k.NameKey, name)
}

// DecryptName reverses EncryptName.
func (k *ProfileKey) DecryptName(blob []byte) ([]byte, error) {
	return k.open(k.NameKey, blob, nil, "name")
}

// EncryptTagField deterministically encrypts a tag name or tag value.
func (k *ProfileKey) EncryptTagField(field []byte) ([]byte, error) {
	return k.encryptDeterministic(k.TagKey, field)
}

// DecryptTagField reverses EncryptTagField.
func (k *ProfileKey) DecryptTagField(blob []byte) ([]byte, error) {
	return k.open(k.TagKey, blob, nil, "tag")
}

// EncryptValue seals an entry value with a random nonce, binding it to
// the plaintext category and name through associated data.
func (k *ProfileKey) EncryptValue(category, name, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.ValueKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}

	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return append(nonce, aead.Seal(nil, nonce, value, valueAAD(category, name))...), nil
}

// DecryptValue reverses EncryptValue for the same category/name pair.
func (k *ProfileKey) DecryptValue(category, name, blob []byte) ([]byte, error) {
	return k.open(k.ValueKey, blob, valueAAD(category, name), "value")
}

func valueAAD(category, name []byte) []byte {
	aad := make([]byte, 0, len(category)+len(name)+1)
	aad = append(aad, category...)
	aad = append(aad, 0)
	return append(aad, name...)
}
