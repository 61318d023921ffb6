package vault

import (
	"context"
	"fmt"

	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

func (o *Orchestrator) queueArgs(op *operation) (ledger.QueueArgs, error) {
	acc, err := o.ledger.Accounts(op.owner)
	if err != nil {
		return ledger.QueueArgs{}, err
	}
	return ledger.QueueArgs{
		Signer:         op.owner,
		Vault:          acc,
		ComputationRef: op.ref,
		Input:          op.input,
	}, nil
}

// single runs a one-vault operation whose queue instruction is queue.
func (o *Orchestrator) single(ctx context.Context, kind types.Operation, owner types.Identity, schema sealer.Schema, input any,
	queue func(context.Context, ledger.QueueArgs) error) (*Outcome, error) {
	if err := owner.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrInvalidAccount, err)
	}
	op := o.newOperation(kind, owner, "")
	return o.execute(ctx, op, schema, input, func(ctx context.Context) error {
		args, err := o.queueArgs(op)
		if err != nil {
			return err
		}
		return queue(ctx, args)
	})
}

// Initialize creates owner's vault with an encrypted opening balance.
func (o *Orchestrator) Initialize(ctx context.Context, owner types.Identity, initialBalance uint64) (*Outcome, error) {
	input := types.InitializeInput{Owner: owner, InitialBalance: initialBalance}
	return o.single(ctx, types.OperationInitialize, owner, sealer.SchemaInitialize, input, o.ledger.InitializeVault)
}

func (o *Orchestrator) Deposit(ctx context.Context, owner types.Identity, amount uint64) (*Outcome, error) {
	if amount == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	return o.single(ctx, types.OperationDeposit, owner, sealer.SchemaDeposit, types.AmountInput{Amount: amount}, o.ledger.Deposit)
}

// Withdraw is rejected with ReasonInsufficientBalance when the encrypted balance is below amount.
func (o *Orchestrator) Withdraw(ctx context.Context, owner types.Identity, amount uint64) (*Outcome, error) {
	if amount == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	return o.single(ctx, types.OperationWithdraw, owner, sealer.SchemaWithdraw, types.AmountInput{Amount: amount}, o.ledger.Withdraw)
}

// CheckBalance asks whether owner's balance covers required. Accepted carries the answer.
func (o *Orchestrator) CheckBalance(ctx context.Context, owner types.Identity, required uint64) (*Outcome, error) {
	return o.single(ctx, types.OperationCheckBalance, owner, sealer.SchemaCheckBalance, types.AmountInput{Amount: required}, o.ledger.CheckBalanceSufficient)
}

// SubmitTradeIntent runs intent against its owner's vault. The execution report is on the outcome.
func (o *Orchestrator) SubmitTradeIntent(ctx context.Context, owner types.Identity, intent types.TradeIntent) (*Outcome, error) {
	if err := intent.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrInvalidAmount, err)
	}
	if intent.User != owner {
		return nil, ledger.ErrUnauthorized
	}
	return o.single(ctx, types.OperationExecuteTrade, owner, sealer.SchemaTradeIntent, intent, o.ledger.SubmitTradeIntent)
}

// Transfer moves amount from one vault to another. Both vaults stay locked until it settles.
func (o *Orchestrator) Transfer(ctx context.Context, from, to types.Identity, amount uint64) (*Outcome, error) {
	if amount == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	for _, id := range []types.Identity{from, to} {
		if err := id.IsValid(); err != nil {
			return nil, fmt.Errorf("%w: %w", ledger.ErrInvalidAccount, err)
		}
	}
	if from == to {
		return nil, ledger.ErrSelfTransfer
	}
	op := o.newOperation(types.OperationTransfer, from, to)
	return o.execute(ctx, op, sealer.SchemaTransfer, types.AmountInput{Amount: amount}, func(ctx context.Context) error {
		src, err := o.ledger.Accounts(from)
		if err != nil {
			return err
		}
		dst, err := o.ledger.Accounts(to)
		if err != nil {
			return err
		}
		return o.ledger.Transfer(ctx, ledger.TransferArgs{
			Signer:         from,
			From:           src,
			To:             dst,
			ComputationRef: op.ref,
			Input:          op.input,
		})
	})
}

func (o *Orchestrator) Pause(ctx context.Context, authority, owner types.Identity) error {
	return o.setPaused(ctx, authority, owner, true)
}

func (o *Orchestrator) Unpause(ctx context.Context, authority, owner types.Identity) error {
	return o.setPaused(ctx, authority, owner, false)
}

func (o *Orchestrator) setPaused(ctx context.Context, authority, owner types.Identity, paused bool) error {
	acc, err := o.ledger.Accounts(owner)
	if err != nil {
		return err
	}
	tags := []string{fmt.Sprintf("paused:%t", paused)}
	if err := o.ledger.PauseVault(ctx, ledger.PauseArgs{Authority: authority, Vault: acc, Paused: paused}); err != nil {
		o.incCounter("vault.pause.error", tags)
		return err
	}
	o.incCounter("vault.pause", tags)
	return nil
}
