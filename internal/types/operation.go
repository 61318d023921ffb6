package types

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

type Operation string

const (
	OperationInitialize   Operation = "initialize_vault"
	OperationDeposit      Operation = "deposit"
	OperationWithdraw     Operation = "withdraw"
	OperationTransfer     Operation = "transfer"
	OperationCheckBalance Operation = "check_balance_sufficient"
	OperationExecuteTrade Operation = "execute_trade"
)

func (o Operation) String() string {
	return string(o)
}

// IsValid checks if the operation is one the computation network knows how to evaluate
func (o Operation) IsValid() error {
	switch o {
	case OperationInitialize, OperationDeposit, OperationWithdraw, OperationTransfer,
		OperationCheckBalance, OperationExecuteTrade:
		return nil
	}
	return fmt.Errorf("unknown operation %q", string(o))
}

// Mutating reports whether a successful settle of the operation rewrites encrypted state.
func (o Operation) Mutating() bool {
	switch o {
	case OperationInitialize, OperationDeposit, OperationWithdraw, OperationTransfer:
		return true
	}
	return false
}

// InitializeInput is the sealed input of the initialize computation.
type InitializeInput struct {
	Owner          Identity `json:"owner"`
	InitialBalance uint64   `json:"initialBalance,string"`
}

// AmountInput is the sealed input of deposit, withdraw, transfer and balance checks.
type AmountInput struct {
	Amount uint64 `json:"amount,string"`
}

// ComputationResult is the plaintext the network seals back to the session once a job completes.
type ComputationResult struct {
	ComputationRef string           `json:"computationRef"`
	Operation      Operation        `json:"operation"`
	Accepted       bool             `json:"accepted"`
	Source         *EncryptedState  `json:"source,omitempty"`
	Destination    *EncryptedState  `json:"destination,omitempty"`
	Execution      *ExecutionResult `json:"execution,omitempty"`
	// Overflow marks a rejection because the new state would not fit in 64 bits.
	Overflow    bool   `json:"overflow,omitempty"`
	Attestation []byte `json:"attestation,omitempty"`
}

// Digest is the SHA-256 of the result's canonical encoding without the attestation.
// The network signs this digest and the ledger verifies it.
func (r ComputationResult) Digest() ([]byte, error) {
	unsigned := r
	unsigned.Attestation = nil
	buf, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("fail to encode computation result: %w", err)
	}
	sum := sha256.Sum256(append([]byte("shadowvault:v1:attestation:"), buf...))
	return sum[:], nil
}
