package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/types"
)

// InitializeVault creates the metadata record and queues the initialize computation.
// The vault only counts as initialized once the callback settles an accepted output.
func (p *Program) InitializeVault(ctx context.Context, args QueueArgs) error {
	derived, err := p.checkQueueArgs(args.Signer, args.Vault, args.ComputationRef, args.Input)
	if err != nil {
		return err
	}
	owner := args.Vault.Owner
	err = p.store.Update(ctx, []types.Identity{owner}, func(records map[types.Identity]*Record) error {
		rec := records[owner]
		if rec == nil {
			rec = &Record{Metadata: types.VaultMetadata{
				Owner:     owner,
				Authority: owner,
				Bump:      derived.MetadataBump,
			}}
			records[owner] = rec
		}
		if rec.Metadata.Initialized {
			return ErrAlreadyInitialized
		}
		if rec.Metadata.ComputationQueued {
			return ErrOperationInFlight
		}
		markQueued(rec, args.ComputationRef, types.OperationInitialize)
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"vault":           owner,
		"computation_ref": args.ComputationRef,
	}).Info("vault initialization queued")
	return nil
}

// InitializeVaultCallback creates the data record from the network's encrypted initial state.
// A rejected output releases the guard and leaves the vault uninitialized so it can be retried.
func (p *Program) InitializeVaultCallback(ctx context.Context, args CallbackArgs) (*Settlement, error) {
	return p.settle(ctx, args, types.OperationInitialize, func(rec *Record, out types.ComputationResult) error {
		if out.Source == nil || !out.Source.IsComplete() {
			return fmt.Errorf("initial state missing: %w", ErrInvalidOutput)
		}
		data := types.VaultData{
			IsActive:  true,
			CreatedAt: p.now().UTC(),
		}
		data.Apply(*out.Source)
		rec.Data = &data
		rec.Metadata.Initialized = true
		return nil
	})
}

func (p *Program) Deposit(ctx context.Context, args QueueArgs) error {
	return p.queue(ctx, args, types.OperationDeposit, true)
}

func (p *Program) DepositCallback(ctx context.Context, args CallbackArgs) (*Settlement, error) {
	return p.settle(ctx, args, types.OperationDeposit, applySource)
}

func (p *Program) Withdraw(ctx context.Context, args QueueArgs) error {
	return p.queue(ctx, args, types.OperationWithdraw, true)
}

// WithdrawCallback applies the new encrypted balance when the network found it sufficient.
func (p *Program) WithdrawCallback(ctx context.Context, args CallbackArgs) (*Settlement, error) {
	return p.settle(ctx, args, types.OperationWithdraw, applySource)
}

// CheckBalanceSufficient is allowed on paused vaults since it never mutates state.
func (p *Program) CheckBalanceSufficient(ctx context.Context, args QueueArgs) error {
	return p.queue(ctx, args, types.OperationCheckBalance, false)
}

func (p *Program) CheckBalanceSufficientCallback(ctx context.Context, args CallbackArgs) (*Settlement, error) {
	return p.settle(ctx, args, types.OperationCheckBalance, nil)
}

func (p *Program) SubmitTradeIntent(ctx context.Context, args QueueArgs) error {
	return p.queue(ctx, args, types.OperationExecuteTrade, true)
}

func (p *Program) ExecuteTradeCallback(ctx context.Context, args CallbackArgs) (*Settlement, error) {
	return p.settle(ctx, args, types.OperationExecuteTrade, func(rec *Record, out types.ComputationResult) error {
		if out.Execution == nil {
			return fmt.Errorf("execution result missing: %w", ErrInvalidOutput)
		}
		if rec.Data == nil {
			return ErrNotInitialized
		}
		rec.Data.ExecutionCount++
		return nil
	})
}

// Transfer locks both vaults under one computation reference. Either both guards are taken or neither.
func (p *Program) Transfer(ctx context.Context, args TransferArgs) error {
	if _, err := p.checkQueueArgs(args.Signer, args.From, args.ComputationRef, args.Input); err != nil {
		return err
	}
	if _, err := p.verifyAccounts(args.To); err != nil {
		return err
	}
	from, to := args.From.Owner, args.To.Owner
	if from == to {
		return ErrSelfTransfer
	}
	err := p.store.Update(ctx, []types.Identity{from, to}, func(records map[types.Identity]*Record) error {
		src, dst := records[from], records[to]
		if err := checkQueueable(src, from, true); err != nil {
			return fmt.Errorf("source vault: %w", err)
		}
		if err := checkQueueable(dst, to, true); err != nil {
			return fmt.Errorf("destination vault: %w", err)
		}
		markQueued(src, args.ComputationRef, types.OperationTransfer)
		markQueued(dst, args.ComputationRef, types.OperationTransfer)
		return nil
	})
	if err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"vault":           from,
		"counterparty":    to,
		"computation_ref": args.ComputationRef,
	}).Info("transfer queued")
	return nil
}

// TransferCallback settles both sides of a transfer and releases both guards together.
func (p *Program) TransferCallback(ctx context.Context, args TransferCallbackArgs) (*Settlement, error) {
	if args.Signer != args.From.Owner {
		return nil, ErrUnauthorized
	}
	if _, err := p.verifyAccounts(args.From); err != nil {
		return nil, err
	}
	if _, err := p.verifyAccounts(args.To); err != nil {
		return nil, err
	}
	if args.Amount == nil || len(args.Amount.Ciphertext) == 0 {
		return nil, fmt.Errorf("sealed amount is missing: %w", ErrInvalidAmount)
	}
	if err := p.verifyOutput(args.ComputationRef, types.OperationTransfer, args.Output); err != nil {
		return nil, err
	}
	from, to := args.From.Owner, args.To.Owner
	if from == to {
		return nil, ErrSelfTransfer
	}
	out := args.Output
	err := p.store.Update(ctx, []types.Identity{from, to}, func(records map[types.Identity]*Record) error {
		src, dst := records[from], records[to]
		if err := checkPending(src, args.ComputationRef, types.OperationTransfer); err != nil {
			return fmt.Errorf("source vault: %w", err)
		}
		if err := checkPending(dst, args.ComputationRef, types.OperationTransfer); err != nil {
			return fmt.Errorf("destination vault: %w", err)
		}
		if src.Metadata.Owner != args.Signer {
			return ErrUnauthorized
		}
		if out.Accepted {
			if out.Source == nil || !out.Source.IsComplete() || out.Destination == nil || !out.Destination.IsComplete() {
				return fmt.Errorf("transfer state missing: %w", ErrInvalidOutput)
			}
			if src.Data == nil || dst.Data == nil {
				return ErrNotInitialized
			}
			src.Data.Apply(*out.Source)
			dst.Data.Apply(*out.Destination)
		}
		src.Metadata.ClearPending()
		dst.Metadata.ClearPending()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s := &Settlement{ComputationRef: args.ComputationRef, Operation: types.OperationTransfer, Accepted: out.Accepted}
	p.emit(s, from, to)
	return s, nil
}

// PauseVault toggles the vault's active flag. It is synchronous and gated by the recorded authority.
func (p *Program) PauseVault(ctx context.Context, args PauseArgs) error {
	if _, err := p.verifyAccounts(args.Vault); err != nil {
		return err
	}
	owner := args.Vault.Owner
	err := p.store.Update(ctx, []types.Identity{owner}, func(records map[types.Identity]*Record) error {
		rec := records[owner]
		if rec == nil {
			return ErrVaultNotFound
		}
		if rec.Metadata.Authority != args.Authority {
			return ErrUnauthorized
		}
		if !rec.Metadata.Initialized || rec.Data == nil {
			return ErrNotInitialized
		}
		rec.Data.IsActive = !args.Paused
		return nil
	})
	if err != nil {
		return err
	}
	if p.events != nil {
		p.events.Emit(Event{
			Kind:      EventVaultPaused,
			Vault:     owner,
			Paused:    args.Paused,
			Timestamp: p.now().UTC(),
		})
	}
	return nil
}
