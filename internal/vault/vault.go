// Package vault seals and opens tenant secrets under a process-wide
// data-encryption key derived from the operator master secret.
//
// The token format follows the Fernet construction: a version byte, a
// timestamp, a random IV, AES-128-CBC ciphertext, and an HMAC-SHA256 tag over
// everything before it, base64url-encoded. Freshness comes from the per-token
// IV; the fixed KDF salt only stretches the master secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/eaglechat/eaglechat-server/internal/tenant"
)

const (
	// kdfSalt is fixed: the master secret is high-entropy, so the KDF's role
	// is stretching, not per-ciphertext uniqueness.
	kdfSalt       = "eaglechat_salt_v1"
	kdfIterations = 100_000
	keyLen        = 32

	tokenVersion = 0x80
)

// Vault holds the derived data-encryption key. It is immutable after New and
// safe for concurrent use.
type Vault struct {
	signKey []byte // key[:16]
	encKey  []byte // key[16:]
}

// New derives the data-encryption key from the operator master secret.
// The master secret must be non-empty; absence is a startup-fatal condition
// handled by the caller.
func New(masterSecret []byte) (*Vault, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is empty")
	}
	key := pbkdf2.Key(masterSecret, []byte(kdfSalt), kdfIterations, keyLen, sha256.New)
	return &Vault{signKey: key[:16], encKey: key[16:]}, nil
}

// Seal encrypts plaintext and returns a self-describing token.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	return v.sealAt(plaintext, iv, time.Now()), nil
}

func (v *Vault) sealAt(plaintext, iv []byte, now time.Time) string {
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	block, _ := aes.NewCipher(v.encKey)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	token := make([]byte, 0, 1+8+len(iv)+len(ct)+sha256.Size)
	token = append(token, tokenVersion)
	token = binary.BigEndian.AppendUint64(token, uint64(now.Unix()))
	token = append(token, iv...)
	token = append(token, ct...)

	mac := hmac.New(sha256.New, v.signKey)
	mac.Write(token)
	token = mac.Sum(token)

	return base64.URLEncoding.EncodeToString(token)
}

// Open authenticates and decrypts a sealed token. Any framing or tag failure
// yields tenant.ErrSealIntegrity; the error never distinguishes why.
func (v *Vault) Open(token string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, tenant.ErrSealIntegrity
	}
	// version + timestamp + iv + at least one block + tag
	if len(raw) < 1+8+aes.BlockSize+aes.BlockSize+sha256.Size {
		return nil, tenant.ErrSealIntegrity
	}
	if raw[0] != tokenVersion {
		return nil, tenant.ErrSealIntegrity
	}

	body, tag := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	mac := hmac.New(sha256.New, v.signKey)
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), tag) != 1 {
		return nil, tenant.ErrSealIntegrity
	}

	iv := body[9 : 9+aes.BlockSize]
	ct := body[9+aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, tenant.ErrSealIntegrity
	}

	block, _ := aes.NewCipher(v.encKey)
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, err = pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return nil, tenant.ErrSealIntegrity
	}
	return pt, nil
}

// SealString is a convenience wrapper for string secrets.
func (v *Vault) SealString(plaintext string) (string, error) {
	return v.Seal([]byte(plaintext))
}

// OpenString opens a token and returns the plaintext as a string.
func (v *Vault) OpenString(token string) (string, error) {
	pt, err := v.Open(token)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
