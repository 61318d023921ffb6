package sealer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 210000

// Session holds the symmetric key shared between the device and the computation network.
type Session struct {
	key   []byte
	keyID string
}

func NewSession(key []byte) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("got %d bytes: %w", len(key), ErrKeyLength)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	sum := sha256.Sum256(append([]byte("shadowvault:key-id:"), k...))
	return &Session{
		key:   k,
		keyID: hex.EncodeToString(sum[:8]),
	}, nil
}

// NewSessionFromHex builds a session from a 64 character hex key.
func NewSessionFromHex(keyHex string) (*Session, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("fail to decode session key: %w", err)
	}
	return NewSession(key)
}

// NewSessionFromPassphrase derives the key with PBKDF2-SHA256.
func NewSessionFromPassphrase(passphrase string, salt []byte) (*Session, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	if len(salt) < 8 {
		return nil, errors.New("salt must be at least 8 bytes")
	}
	return NewSession(pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, KeySize, sha256.New))
}

// GenerateSession creates a session with a random key.
func GenerateSession() (*Session, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("fail to generate key: %w", err)
	}
	return NewSession(key)
}

// KeyID is a fingerprint of the key that lets the network pick the matching key without seeing it.
func (s *Session) KeyID() string {
	return s.keyID
}

// KeyHex exports the key, for handing it to the network once at registration.
func (s *Session) KeyHex() string {
	return hex.EncodeToString(s.key)
}

func (s *Session) Seal(schema Schema, v any) (*SealedPayload, error) {
	p, err := Seal(s.key, schema, v)
	if err != nil {
		return nil, err
	}
	p.KeyID = s.keyID
	return p, nil
}

func (s *Session) Open(schema Schema, p *SealedPayload, out any) error {
	if p != nil && p.KeyID != "" && p.KeyID != s.keyID {
		return fmt.Errorf("payload sealed for key %s: %w", p.KeyID, ErrAuthentication)
	}
	return Open(s.key, schema, p, out)
}
