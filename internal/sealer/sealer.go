package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrKeyLength      = errors.New("key must be 32 bytes")
	ErrAuthentication = errors.New("authentication failed")
	ErrSerialization  = errors.New("payload cannot be encoded")
	ErrUnknownSchema  = errors.New("unknown schema")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("got %d bytes: %w", len(key), ErrKeyLength)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fail to create GCM mode: %w", err)
	}
	return gcm, nil
}

// SealBytes encrypts plaintext under key with a fresh random nonce.
// The returned ciphertext carries the 16-byte tag at its end.
func SealBytes(key, plaintext, aad []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("fail to generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

// OpenBytes authenticates and decrypts ciphertext. Any tampering, wrong key or
// mismatched associated data returns ErrAuthentication and no plaintext.
func OpenBytes(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce is %d bytes: %w", len(nonce), ErrAuthentication)
	}
	if len(ciphertext) < TagSize {
		return nil, fmt.Errorf("ciphertext shorter than tag: %w", ErrAuthentication)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// SealBlob is SealBytes with the nonce prepended to the ciphertext, for storage as a single value.
func SealBlob(key, plaintext, aad []byte) ([]byte, error) {
	ciphertext, nonce, err := SealBytes(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, NonceSize+len(ciphertext))
	out = append(out, nonce...)
	return append(out, ciphertext...), nil
}

// OpenBlob reverses SealBlob.
func OpenBlob(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < NonceSize+TagSize {
		return nil, fmt.Errorf("blob is %d bytes: %w", len(blob), ErrAuthentication)
	}
	return OpenBytes(key, blob[NonceSize:], blob[:NonceSize], aad)
}
