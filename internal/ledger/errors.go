package ledger

import "errors"

var (
	ErrOperationInFlight  = errors.New("a computation is already queued for this vault")
	ErrAlreadyInitialized = errors.New("vault already initialized")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrUnauthorized       = errors.New("signer is not authorized for this vault")
	ErrVaultPaused        = errors.New("vault is paused")
	ErrStaleComputation   = errors.New("computation does not match the pending computation")
	ErrVaultNotFound      = errors.New("vault not found")
	ErrNotInitialized     = errors.New("vault not initialized")
	ErrInvalidAccount     = errors.New("account does not match derived address")
	ErrAttestation        = errors.New("computation attestation is invalid")
	ErrSelfTransfer       = errors.New("source and destination vault are the same")
	ErrInvalidOutput      = errors.New("computation output is incomplete")
)
