// Package crypto: body AEAD (AES-256-GCM) + ML-KEM-768 KEM and key
// derivation for transports that agree on an application secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"filippo.io/mlkem768"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AEAD key size (AES-256).
	KeySize = 32
	// NonceSize for GCM.
	NonceSize = 12
	// TagSize for GCM.
	TagSize = 16
	// Overhead added to a plaintext by Seal.
	Overhead = NonceSize + TagSize
)

var (
	ErrKeySize    = errors.New("key size must be 32")
	ErrCiphertext = errors.New("ciphertext too short")
)

// Seal encrypts with key; result is nonce(12) || ciphertext || tag(16),
// empty AAD. The nonce is drawn fresh from crypto/rand per message.
func Seal(key []byte, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts (first NonceSize bytes = nonce) with key; tag
// verification failure is an error.
func Open(key []byte, enc []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < Overhead {
		return nil, ErrCiphertext
	}
	nonce, ct := enc[:NonceSize], enc[NonceSize:]
	return aead.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DeriveKey expands secret into a 32-byte AEAD key via HKDF-SHA256
// with a fixed label; both ends of a connection derive the same key.
func DeriveKey(secret []byte, label string) ([KeySize]byte, error) {
	var key [KeySize]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// GenerateKeyPair ML-KEM-768 key pair (listener side).
func GenerateKeyPair() (enc []byte, decap *mlkem768.DecapsulationKey, err error) {
	decap, err = mlkem768.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	enc = decap.EncapsulationKey()
	return enc, decap, nil
}

// Encapsulate generates secret + ciphertext against the peer's
// encapsulation key; caller sends the ciphertext to the peer.
func Encapsulate(encKey []byte) (sharedSecret []byte, ciphertext []byte, err error) {
	ciphertext, sharedSecret, err = mlkem768.Encapsulate(encKey)
	if err != nil {
		return nil, nil, err
	}
	return sharedSecret, ciphertext, nil
}

// Decapsulate recovers the shared secret from ciphertext.
func Decapsulate(decapKey *mlkem768.DecapsulationKey, ciphertext []byte) ([]byte, error) {
	return mlkem768.Decapsulate(decapKey, ciphertext)
}
