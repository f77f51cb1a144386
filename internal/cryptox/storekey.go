// Package cryptox implements the key material handling for the vault:
// store (master) key derivation, profile key generation, and the
// encryption of entry fields under a profile key.
package cryptox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/secvault/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the size in bytes of the store key and of every profile
// subkey.
const KeySize = chacha20poly1305.KeySize

// Supported store key methods.
const (
	MethodRaw      = "raw"
	MethodArgon2id = "kdf:argon2id"
)

// argon2id cost parameters
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonSalt    = 16
)

// StoreKey is the process-wide master key. It is only ever used to wrap
// and unwrap profile keys, never to encrypt entry data directly.
type StoreKey struct {
	key []byte
}

// NewStoreKey copies material into a StoreKey. The material must be
// exactly KeySize bytes.
func NewStoreKey(material []byte) (*StoreKey, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("%w: store key must be %d bytes", common.ErrorCrypto, KeySize)
	}
	k := make([]byte, KeySize)
	copy(k, material)
	return &StoreKey{key: k}, nil
}

// WrapProfileKey serializes the profile key to JSON and seals it with
// ChaCha20-Poly1305 under the store key. The random nonce is prefixed
// to the returned blob.
func (s *StoreKey) WrapProfileKey(pk *ProfileKey) ([]byte, error) {
	plaintext, err := json.Marshal(pk)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(plaintext)

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}

	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// UnwrapProfileKey reverses WrapProfileKey. A wrong store key or a
// corrupted blob surfaces as ErrorCrypto.
func (s *StoreKey) UnwrapProfileKey(blob []byte) (*ProfileKey, error) {
	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorCrypto, err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: profile key blob is truncated", common.ErrorCrypto)
	}

	plaintext, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: profile key unwrap failed", common.ErrorCrypto)
	}
	defer common.WipeByteArray(plaintext)

	pk := &ProfileKey{}
	if err := json.Unmarshal(plaintext, pk); err != nil {
		return nil, fmt.Errorf("%w: profile key blob is malformed", common.ErrorCrypto)
	}
	return pk, nil
}

// StoreKeyMethod describes how the store key is obtained from the
// caller-supplied pass key. The method, including its derivation salt,
// is persisted in the config table as a URI so that later opens and
// rekeys resolve the same key from the same pass key.
type StoreKeyMethod struct {
	Kind string
	Salt []byte
}

// ParseStoreKeyMethod parses a method reference URI, e.g. "raw" or
// "kdf:argon2id?salt=<hex>".
func ParseStoreKeyMethod(uri string) (*StoreKeyMethod, error) {
	base, query, _ := strings.Cut(uri, "?")
	m := &StoreKeyMethod{Kind: base}

	switch base {
	case MethodRaw:
	case MethodArgon2id:
		if query != "" {
			vals, err := url.ParseQuery(query)
			if err != nil {
				return nil, fmt.Errorf("invalid store key method %q: %w", uri, err)
			}
			salt, err := hex.DecodeString(vals.Get("salt"))
			if err != nil {
				return nil, fmt.Errorf("invalid store key salt in %q: %w", uri, err)
			}
			m.Salt = salt
		}
	default:
		return nil, fmt.Errorf("%w: unknown store key method %q", common.ErrorUnsupported, base)
	}
	return m, nil
}

// Resolve derives the store key from passKey and returns it together
// with the reference URI to persist in configuration. Derivation is
// CPU-bound; callers are expected to run it through unblock.Do.
func (m *StoreKeyMethod) Resolve(passKey []byte) (*StoreKey, string, error) {
	switch m.Kind {
	case MethodRaw:
		material, err := hex.DecodeString(string(passKey))
		if err != nil {
			return nil, "", fmt.Errorf("%w: raw pass key must be hex encoded", common.ErrorCrypto)
		}
		defer common.WipeByteArray(material)
		key, err := NewStoreKey(material)
		if err != nil {
			return nil, "", err
		}
		return key, MethodRaw, nil

	case MethodArgon2id:
		salt := m.Salt
		if len(salt) == 0 {
			salt = common.GenerateRandByteArray(argonSalt)
		}
		material := argon2.IDKey(passKey, salt, argonTime, argonMemory, argonThreads, KeySize)
		defer common.WipeByteArray(material)
		key, err := NewStoreKey(material)
		if err != nil {
			return nil, "", err
		}
		return key, fmt.Sprintf("%s?salt=%s", MethodArgon2id, hex.EncodeToString(salt)), nil

	default:
		return nil, "", fmt.Errorf("%w: unknown store key method %q", common.ErrorUnsupported, m.Kind)
	}
}
