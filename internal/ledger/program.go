package ledger

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/address"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

// Accounts are the addresses an instruction touches for one vault.
type Accounts struct {
	Owner    types.Identity
	Metadata address.Address
	Data     address.Address
}

// QueueArgs is the input of every single-vault queue instruction.
type QueueArgs struct {
	Signer         types.Identity
	Vault          Accounts
	ComputationRef string
	Input          *sealer.SealedPayload
}

// CallbackArgs is the input of every single-vault settle instruction.
type CallbackArgs struct {
	Signer         types.Identity
	Vault          Accounts
	ComputationRef string
	Output         types.ComputationResult
}

type TransferArgs struct {
	Signer         types.Identity
	From           Accounts
	To             Accounts
	ComputationRef string
	Input          *sealer.SealedPayload
}

type TransferCallbackArgs struct {
	Signer         types.Identity
	From           Accounts
	To             Accounts
	ComputationRef string
	Amount         *sealer.SealedPayload
	Output         types.ComputationResult
}

type PauseArgs struct {
	Authority types.Identity
	Vault     Accounts
	Paused    bool
}

// Settlement reports how a settle instruction resolved.
type Settlement struct {
	ComputationRef string
	Operation      types.Operation
	Accepted       bool
}

// Program is the vault instruction surface. It owns the protocol invariants; the Store only
// guarantees atomicity.
type Program struct {
	id             address.Address
	store          Store
	attestationKey ed25519.PublicKey
	events         EventSink
	now            func() time.Time
	logger         *logrus.Logger
}

type Option func(*Program)

func WithEventSink(sink EventSink) Option {
	return func(p *Program) {
		p.events = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Program) {
		p.now = now
	}
}

// NewProgram builds the instruction surface. Every settle verifies the network's signature
// over the output with attestationKey.
func NewProgram(id address.Address, store Store, attestationKey ed25519.PublicKey, opts ...Option) (*Program, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if len(attestationKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attestation key must be %d bytes, got %d", ed25519.PublicKeySize, len(attestationKey))
	}
	logger := logrus.WithField("service", "ledger").Logger
	p := &Program{
		id:             id,
		store:          store,
		attestationKey: attestationKey,
		now:            time.Now,
		logger:         logger,
		events:         NewLogSink(logger),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Program) ID() address.Address {
	return p.id
}

// Accounts derives owner's vault accounts under this program.
func (p *Program) Accounts(owner types.Identity) (Accounts, error) {
	derived, err := address.DeriveVault(p.id, owner)
	if err != nil {
		return Accounts{}, fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	return Accounts{Owner: owner, Metadata: derived.Metadata, Data: derived.Data}, nil
}

// FetchVault reads owner's vault records.
func (p *Program) FetchVault(ctx context.Context, owner types.Identity) (*Record, error) {
	return p.store.Get(ctx, owner)
}

func (p *Program) verifyAccounts(acc Accounts) (address.VaultAddresses, error) {
	derived, err := address.VerifyVault(p.id, acc.Owner, acc.Metadata, acc.Data)
	if err != nil {
		return address.VaultAddresses{}, fmt.Errorf("%w: %w", ErrInvalidAccount, err)
	}
	return derived, nil
}

func (p *Program) checkQueueArgs(signer types.Identity, acc Accounts, ref string, input *sealer.SealedPayload) (address.VaultAddresses, error) {
	if signer != acc.Owner {
		return address.VaultAddresses{}, ErrUnauthorized
	}
	derived, err := p.verifyAccounts(acc)
	if err != nil {
		return address.VaultAddresses{}, err
	}
	if ref == "" {
		return address.VaultAddresses{}, fmt.Errorf("computation reference is empty: %w", ErrStaleComputation)
	}
	if input == nil || len(input.Ciphertext) == 0 {
		return address.VaultAddresses{}, fmt.Errorf("sealed input is missing: %w", ErrInvalidAmount)
	}
	return derived, nil
}

// checkQueueable enforces the preconditions shared by every queue instruction on an existing vault.
func checkQueueable(rec *Record, owner types.Identity, requireActive bool) error {
	if rec == nil {
		return ErrVaultNotFound
	}
	if rec.Metadata.Owner != owner {
		return ErrUnauthorized
	}
	if !rec.Metadata.Initialized || rec.Data == nil {
		return ErrNotInitialized
	}
	if requireActive && !rec.Data.IsActive {
		return ErrVaultPaused
	}
	if rec.Metadata.ComputationQueued {
		return ErrOperationInFlight
	}
	return nil
}

func markQueued(rec *Record, ref string, op types.Operation) {
	rec.Metadata.ComputationQueued = true
	rec.Metadata.PendingComputation = ref
	rec.Metadata.PendingOperation = op
}

func checkPending(rec *Record, ref string, op types.Operation) error {
	if rec == nil {
		return ErrVaultNotFound
	}
	if !rec.Metadata.ComputationQueued || rec.Metadata.PendingComputation != ref || rec.Metadata.PendingOperation != op {
		return fmt.Errorf("vault %s pending %q (%s), got %q (%s): %w",
			rec.Metadata.Owner, rec.Metadata.PendingComputation, rec.Metadata.PendingOperation, ref, op, ErrStaleComputation)
	}
	return nil
}

// verifyOutput checks the output names the computation being settled and carries a valid attestation.
func (p *Program) verifyOutput(ref string, op types.Operation, out types.ComputationResult) error {
	if out.ComputationRef != ref || out.Operation != op {
		return fmt.Errorf("output is for %q (%s), settling %q (%s): %w", out.ComputationRef, out.Operation, ref, op, ErrStaleComputation)
	}
	digest, err := out.Digest()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAttestation, err)
	}
	if len(out.Attestation) != ed25519.SignatureSize || !ed25519.Verify(p.attestationKey, digest, out.Attestation) {
		return ErrAttestation
	}
	return nil
}

func (p *Program) queue(ctx context.Context, args QueueArgs, op types.Operation, requireActive bool) error {
	if _, err := p.checkQueueArgs(args.Signer, args.Vault, args.ComputationRef, args.Input); err != nil {
		return err
	}
	owner := args.Vault.Owner
	err := p.store.Update(ctx, []types.Identity{owner}, func(records map[types.Identity]*Record) error {
		rec := records[owner]
		if err := checkQueueable(rec, owner, requireActive); err != nil {
			return err
		}
		markQueued(rec, args.ComputationRef, op)
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"vault":           owner,
		"operation":       op,
		"computation_ref": args.ComputationRef,
	}).Info("computation queued")
	return nil
}

// settle runs the shared settle path. apply is only called for accepted outputs.
func (p *Program) settle(ctx context.Context, args CallbackArgs, op types.Operation, apply func(rec *Record, out types.ComputationResult) error) (*Settlement, error) {
	if args.Signer != args.Vault.Owner {
		return nil, ErrUnauthorized
	}
	if _, err := p.verifyAccounts(args.Vault); err != nil {
		return nil, err
	}
	if err := p.verifyOutput(args.ComputationRef, op, args.Output); err != nil {
		return nil, err
	}
	owner := args.Vault.Owner
	err := p.store.Update(ctx, []types.Identity{owner}, func(records map[types.Identity]*Record) error {
		rec := records[owner]
		if err := checkPending(rec, args.ComputationRef, op); err != nil {
			return err
		}
		if rec.Metadata.Owner != args.Signer {
			return ErrUnauthorized
		}
		if args.Output.Accepted && apply != nil {
			if err := apply(rec, args.Output); err != nil {
				return err
			}
		}
		rec.Metadata.ClearPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s := &Settlement{ComputationRef: args.ComputationRef, Operation: op, Accepted: args.Output.Accepted}
	p.emit(s, owner, "")
	return s, nil
}

func applySource(rec *Record, out types.ComputationResult) error {
	if out.Source == nil || !out.Source.IsComplete() {
		return fmt.Errorf("source state missing: %w", ErrInvalidOutput)
	}
	if rec.Data == nil {
		return ErrNotInitialized
	}
	rec.Data.Apply(*out.Source)
	return nil
}

var eventKinds = map[types.Operation]EventKind{
	types.OperationInitialize:   EventVaultInitialized,
	types.OperationDeposit:      EventDeposited,
	types.OperationWithdraw:     EventWithdrawn,
	types.OperationTransfer:     EventTransferred,
	types.OperationCheckBalance: EventBalanceChecked,
	types.OperationExecuteTrade: EventTradeExecuted,
}

func (p *Program) emit(s *Settlement, vault, counterparty types.Identity) {
	if p.events == nil {
		return
	}
	p.events.Emit(Event{
		Kind:           eventKinds[s.Operation],
		Vault:          vault,
		Counterparty:   counterparty,
		ComputationRef: s.ComputationRef,
		Accepted:       s.Accepted,
		Timestamp:      p.now().UTC(),
	})
}
