package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Identity is the base58 form of an account holder's 32-byte public key.
type Identity string

// Bytes decodes the identity and checks it is a 32-byte key.
func (i Identity) Bytes() ([]byte, error) {
	if i == "" {
		return nil, errors.New("identity is empty")
	}
	raw, err := base58.Decode(string(i))
	if err != nil {
		return nil, fmt.Errorf("fail to decode identity %q: %w", string(i), err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("identity %q decodes to %d bytes, expected 32", string(i), len(raw))
	}
	return raw, nil
}

// IsValid checks if the identity is a well formed public key
func (i Identity) IsValid() error {
	_, err := i.Bytes()
	return err
}

func (i Identity) String() string {
	return string(i)
}

// EncryptedValue is an opaque ciphertext handle only the computation network can interpret.
type EncryptedValue []byte

// Equal reports whether both handles carry identical bytes.
func (v EncryptedValue) Equal(other EncryptedValue) bool {
	return bytes.Equal(v, other)
}

func (v EncryptedValue) Clone() EncryptedValue {
	if v == nil {
		return nil
	}
	out := make(EncryptedValue, len(v))
	copy(out, v)
	return out
}

// EncryptedState is the set of encrypted counters a computation reads and rewrites.
type EncryptedState struct {
	Balance          EncryptedValue `json:"balance"`
	TotalDeposits    EncryptedValue `json:"totalDeposits"`
	TotalWithdrawals EncryptedValue `json:"totalWithdrawals"`
	TxCount          EncryptedValue `json:"txCount"`
}

// IsComplete checks that every handle is present
func (s EncryptedState) IsComplete() bool {
	return len(s.Balance) > 0 && len(s.TotalDeposits) > 0 && len(s.TotalWithdrawals) > 0 && len(s.TxCount) > 0
}

// VaultMetadata is the per-owner control record. ComputationQueued is the single-flight guard.
type VaultMetadata struct {
	Owner              Identity  `json:"owner"`
	Authority          Identity  `json:"authority"`
	Bump               uint8     `json:"bump"`
	ComputationQueued  bool      `json:"computation_queued"`
	Initialized        bool      `json:"initialized"`
	PendingComputation string    `json:"pending_computation,omitempty"`
	PendingOperation   Operation `json:"pending_operation,omitempty"`
}

// ClearPending releases the single-flight guard.
func (m *VaultMetadata) ClearPending() {
	m.ComputationQueued = false
	m.PendingComputation = ""
	m.PendingOperation = ""
}

// VaultData holds the encrypted accounting of a vault.
type VaultData struct {
	EncryptedBalance          EncryptedValue `json:"encrypted_balance"`
	EncryptedTotalDeposits    EncryptedValue `json:"encrypted_total_deposits"`
	EncryptedTotalWithdrawals EncryptedValue `json:"encrypted_total_withdrawals"`
	EncryptedTxCount          EncryptedValue `json:"encrypted_tx_count"`
	ExecutionCount            uint64         `json:"execution_count"`
	IsActive                  bool           `json:"is_active"`
	CreatedAt                 time.Time      `json:"created_at"`
}

// State returns the encrypted handles a computation needs as input.
func (d VaultData) State() EncryptedState {
	return EncryptedState{
		Balance:          d.EncryptedBalance.Clone(),
		TotalDeposits:    d.EncryptedTotalDeposits.Clone(),
		TotalWithdrawals: d.EncryptedTotalWithdrawals.Clone(),
		TxCount:          d.EncryptedTxCount.Clone(),
	}
}

// Apply overwrites the encrypted handles with the certified output of a computation.
func (d *VaultData) Apply(s EncryptedState) {
	d.EncryptedBalance = s.Balance.Clone()
	d.EncryptedTotalDeposits = s.TotalDeposits.Clone()
	d.EncryptedTotalWithdrawals = s.TotalWithdrawals.Clone()
	d.EncryptedTxCount = s.TxCount.Clone()
}

func (d VaultData) Clone() VaultData {
	out := d
	out.EncryptedBalance = d.EncryptedBalance.Clone()
	out.EncryptedTotalDeposits = d.EncryptedTotalDeposits.Clone()
	out.EncryptedTotalWithdrawals = d.EncryptedTotalWithdrawals.Clone()
	out.EncryptedTxCount = d.EncryptedTxCount.Clone()
	return out
}
