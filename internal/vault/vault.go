// Package vault encrypts GitHub OAuth access tokens at rest.
//
// Tokens are sealed with AES-256-GCM. GCM is an authenticated mode: Seal
// produces a ciphertext plus a 16-byte tag, and Open refuses to return any
// plaintext unless the tag verifies. The tag comparison inside crypto/cipher
// is constant-time, so nothing here compares tags by hand.
//
// STORED FORMAT:
//
//	EncryptedToken{KeyID, IV (12 bytes), Ciphertext, AuthTag (16 bytes)}
//
// The key id is fed to GCM as additional authenticated data, so swapping the
// key id of a stored triple is detected the same way as flipping a bit in
// the ciphertext.
//
// KEY ROTATION:
// A Vault holds one active key (used for Encrypt) and any number of retired
// keys (Decrypt only). Re-authentication re-encrypts under the active key,
// so retired keys can be dropped once every account has logged in again.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/sakif/readmebot/internal/model"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard nonce
	tagSize   = 16 // GCM standard tag

	hkdfInfoTokenKey = "readmebot-token-encryption"
)

// ErrIntegrity is matched (errors.Is) by every IntegrityError.
var ErrIntegrity = errors.New("vault: integrity check failed")

// IntegrityError means a stored token could not be authenticated: the
// ciphertext or tag was altered, it was sealed with a different key, or the
// key id is unknown. The plaintext is never returned in these cases.
type IntegrityError struct {
	KeyID  string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("vault: integrity check failed (key %q): %s", e.KeyID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Vault seals and opens access tokens. It is safe for concurrent use: the
// cipher.AEAD values are immutable after construction.
type Vault struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// Key is one entry of the keyring.
type Key struct {
	ID       string
	Material string // 64 hex chars, or any secret string (stretched with HKDF)
}

// New creates a Vault that encrypts with active and can decrypt with active
// or any of the retired keys.
func New(active Key, retired ...Key) (*Vault, error) {
	v := &Vault{
		activeID: active.ID,
		aeads:    make(map[string]cipher.AEAD, len(retired)+1),
	}
	for _, k := range append([]Key{active}, retired...) {
		if k.ID == "" {
			return nil, errors.New("vault: key id must not be empty")
		}
		if _, dup := v.aeads[k.ID]; dup {
			return nil, fmt.Errorf("vault: duplicate key id %q", k.ID)
		}
		raw, err := keyBytes(k.Material)
		if err != nil {
			return nil, fmt.Errorf("vault: key %q: %w", k.ID, err)
		}
		aead, err := newAEAD(raw)
		if err != nil {
			return nil, fmt.Errorf("vault: key %q: %w", k.ID, err)
		}
		v.aeads[k.ID] = aead
	}
	return v, nil
}

// ActiveKeyID returns the id new ciphertexts are sealed under.
func (v *Vault) ActiveKeyID() string {
	return v.activeID
}

// Encrypt seals plainToken under the active key with a fresh random IV.
func (v *Vault) Encrypt(plainToken string) (model.EncryptedToken, error) {
	if plainToken == "" {
		return model.EncryptedToken{}, errors.New("vault: refusing to encrypt an empty token")
	}

	aead := v.aeads[v.activeID]

	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return model.EncryptedToken{}, fmt.Errorf("vault: generating iv: %w", err)
	}

	// Seal returns ciphertext||tag; the tag is stored separately.
	sealed := aead.Seal(nil, iv, []byte(plainToken), []byte(v.activeID))
	split := len(sealed) - tagSize

	return model.EncryptedToken{
		KeyID:      v.activeID,
		IV:         iv,
		Ciphertext: sealed[:split:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens a triple produced by Encrypt. Any failure to authenticate is
// reported as *IntegrityError.
func (v *Vault) Decrypt(token model.EncryptedToken) (string, error) {
	aead, ok := v.aeads[token.KeyID]
	if !ok {
		return "", &IntegrityError{KeyID: token.KeyID, Reason: "unknown key id"}
	}
	if len(token.IV) != nonceSize {
		return "", &IntegrityError{KeyID: token.KeyID, Reason: "malformed iv"}
	}
	if len(token.AuthTag) != tagSize {
		return "", &IntegrityError{KeyID: token.KeyID, Reason: "malformed auth tag"}
	}
	if len(token.Ciphertext) == 0 {
		return "", &IntegrityError{KeyID: token.KeyID, Reason: "empty ciphertext"}
	}

	sealed := make([]byte, 0, len(token.Ciphertext)+tagSize)
	sealed = append(sealed, token.Ciphertext...)
	sealed = append(sealed, token.AuthTag...)

	plain, err := aead.Open(nil, token.IV, sealed, []byte(token.KeyID))
	if err != nil {
		return "", &IntegrityError{KeyID: token.KeyID, Reason: "authentication tag mismatch"}
	}
	return string(plain), nil
}

// DeriveKey stretches secret into a 32-byte key bound to info with
// HKDF-SHA256. Distinct info strings give independent keys from one secret.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("vault: cannot derive a key from an empty secret")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: hkdf: %w", err)
	}
	return key, nil
}

// GenerateKey returns a fresh random key, hex-encoded, suitable for
// TOKEN_ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	b := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("vault: generating key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// keyBytes accepts a 64-char hex key as-is; anything else is treated as a
// passphrase and stretched.
func keyBytes(material string) ([]byte, error) {
	if material == "" {
		return nil, errors.New("key material is empty")
	}
	if len(material) == keySize*2 {
		if raw, err := hex.DecodeString(material); err == nil {
			return raw, nil
		}
	}
	if len(material) < 16 {
		return nil, errors.New("passphrase keys must be at least 16 characters")
	}
	return DeriveKey([]byte(material), hkdfInfoTokenKey)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
