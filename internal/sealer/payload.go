package sealer

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"
)

// Schema names a payload layout and the associated data every payload of that layout is bound to.
type Schema struct {
	Name           string
	AssociatedData string
}

var (
	SchemaInitialize   = Schema{Name: "vault:v1:initialize", AssociatedData: "vault:v1:initialize"}
	SchemaDeposit      = Schema{Name: "vault:v1:deposit", AssociatedData: "vault:v1:deposit"}
	SchemaWithdraw     = Schema{Name: "vault:v1:withdraw", AssociatedData: "vault:v1:withdraw"}
	SchemaTransfer     = Schema{Name: "vault:v1:transfer", AssociatedData: "vault:v1:transfer"}
	SchemaCheckBalance = Schema{Name: "vault:v1:check_balance", AssociatedData: "vault:v1:check_balance"}
	SchemaResult       = Schema{Name: "vault:v1:result", AssociatedData: "vault:v1:result"}
	SchemaTradeIntent  = Schema{Name: "shadowvault.trade_intent.v1", AssociatedData: "shadowvault:v1:intent"}
	SchemaExecution    = Schema{Name: "shadowvault.execution_result.v1", AssociatedData: "shadowvault:v1:execution"}
)

var schemas = map[string]Schema{}

func init() {
	for _, s := range []Schema{
		SchemaInitialize, SchemaDeposit, SchemaWithdraw, SchemaTransfer,
		SchemaCheckBalance, SchemaResult, SchemaTradeIntent, SchemaExecution,
	} {
		schemas[s.Name] = s
	}
}

// LookupSchema returns the registered schema for name.
func LookupSchema(name string) (Schema, error) {
	s, ok := schemas[name]
	if !ok {
		return Schema{}, fmt.Errorf("schema %q: %w", name, ErrUnknownSchema)
	}
	return s, nil
}

// SealedPayload is the wire form of a sealed value.
type SealedPayload struct {
	Ciphertext     []byte    `json:"ciphertext"`
	Nonce          []byte    `json:"nonce"`
	AssociatedData []byte    `json:"aad,omitempty"`
	Schema         string    `json:"schema"`
	KeyID          string    `json:"keyId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IsValid checks the payload is structurally complete; it does not authenticate it.
func (p *SealedPayload) IsValid() error {
	if p == nil {
		return fmt.Errorf("payload is nil: %w", ErrAuthentication)
	}
	if len(p.Nonce) != NonceSize {
		return fmt.Errorf("nonce is %d bytes: %w", len(p.Nonce), ErrAuthentication)
	}
	if len(p.Ciphertext) < TagSize {
		return fmt.Errorf("ciphertext shorter than tag: %w", ErrAuthentication)
	}
	if _, err := LookupSchema(p.Schema); err != nil {
		return err
	}
	return nil
}

// Seal encodes v as JSON and seals it under the schema's associated data.
func Seal(key []byte, schema Schema, v any) (*SealedPayload, error) {
	if _, ok := schemas[schema.Name]; !ok {
		return nil, fmt.Errorf("schema %q: %w", schema.Name, ErrUnknownSchema)
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	aad := []byte(schema.AssociatedData)
	ciphertext, nonce, err := SealBytes(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &SealedPayload{
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		AssociatedData: aad,
		Schema:         schema.Name,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Open authenticates a payload expected to be of the given schema and decodes it into out.
// A payload labelled with another schema, or carrying different associated data, fails with
// ErrAuthentication without touching out.
func Open(key []byte, schema Schema, p *SealedPayload, out any) error {
	if err := p.IsValid(); err != nil {
		return err
	}
	if p.Schema != schema.Name {
		return fmt.Errorf("payload schema %q, expected %q: %w", p.Schema, schema.Name, ErrAuthentication)
	}
	aad := []byte(schema.AssociatedData)
	if subtle.ConstantTimeCompare(aad, p.AssociatedData) != 1 {
		return fmt.Errorf("associated data mismatch: %w", ErrAuthentication)
	}
	plaintext, err := OpenBytes(key, p.Ciphertext, p.Nonce, aad)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return nil
}
