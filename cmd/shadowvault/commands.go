package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/vultisig/shadowvault/internal/address"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
	"github.com/vultisig/shadowvault/internal/vault"
)

var (
	ownerFlag  = cli.StringFlag{Name: "owner, o", Usage: "base58 identity of the vault owner"}
	amountFlag = cli.Uint64Flag{Name: "amount, a", Usage: "amount in base units"}
)

func commands() []cli.Command {
	return []cli.Command{
		{
			Name:  "init",
			Usage: "create a vault with an encrypted opening balance",
			Flags: []cli.Flag{ownerFlag, cli.Uint64Flag{Name: "balance, b", Usage: "opening balance"}},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				return printOutcome(rt.orch.Initialize(ctx, owner(c), c.Uint64("balance")))
			}),
		},
		{
			Name:  "deposit",
			Usage: "add to a vault's encrypted balance",
			Flags: []cli.Flag{ownerFlag, amountFlag},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				return printOutcome(rt.orch.Deposit(ctx, owner(c), c.Uint64("amount")))
			}),
		},
		{
			Name:  "withdraw",
			Usage: "withdraw from a vault if its encrypted balance covers the amount",
			Flags: []cli.Flag{ownerFlag, amountFlag},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				return printOutcome(rt.orch.Withdraw(ctx, owner(c), c.Uint64("amount")))
			}),
		},
		{
			Name:  "transfer",
			Usage: "move an amount between two vaults",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "from", Usage: "source vault owner"},
				cli.StringFlag{Name: "to", Usage: "destination vault owner"},
				amountFlag,
			},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				from, to := types.Identity(c.String("from")), types.Identity(c.String("to"))
				return printOutcome(rt.orch.Transfer(ctx, from, to, c.Uint64("amount")))
			}),
		},
		{
			Name:  "check",
			Usage: "ask whether a vault's balance covers an amount without revealing it",
			Flags: []cli.Flag{ownerFlag, amountFlag},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				return printOutcome(rt.orch.CheckBalance(ctx, owner(c), c.Uint64("amount")))
			}),
		},
		pauseCommand("pause", "stop deposits, withdrawals, transfers and trades on a vault", true),
		pauseCommand("unpause", "reactivate a paused vault", false),
		{
			Name:  "trade",
			Usage: "submit a sealed trade intent against a vault",
			Flags: []cli.Flag{
				ownerFlag,
				amountFlag,
				cli.StringFlag{Name: "token-in", Usage: "token sold"},
				cli.StringFlag{Name: "token-out", Usage: "token bought"},
				cli.UintFlag{Name: "slippage", Value: 50, Usage: "max slippage in basis points"},
				cli.UintFlag{Name: "strategy", Usage: "strategy type"},
			},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				if c.Uint("slippage") > types.MaxSlippageBps || c.Uint("strategy") > 255 {
					return errors.New("slippage or strategy out of range")
				}
				intent := types.TradeIntent{
					User:           owner(c),
					TokenIn:        c.String("token-in"),
					TokenOut:       c.String("token-out"),
					Amount:         c.Uint64("amount"),
					MaxSlippageBps: uint16(c.Uint("slippage")),
					StrategyType:   uint8(c.Uint("strategy")),
					Timestamp:      time.Now().Unix(),
				}
				return printOutcome(rt.orch.SubmitTradeIntent(ctx, owner(c), intent))
			}),
		},
		{
			Name:  "show",
			Usage: "print a vault's ledger records",
			Flags: []cli.Flag{ownerFlag},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				rec, err := rt.orch.Vault(ctx, owner(c))
				if err != nil {
					return err
				}
				return printJSON(vaultView(rec.Metadata, rec.Data))
			}),
		},
		{
			Name:  "address",
			Usage: "derive a vault's account addresses",
			Flags: []cli.Flag{ownerFlag},
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				id, err := programID(cfg)
				if err != nil {
					return err
				}
				derived, err := address.DeriveVault(id, owner(c))
				if err != nil {
					return err
				}
				return printJSON(derived)
			},
		},
		{
			Name:  "sweep",
			Usage: "settle computations left pending by an interrupted run",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "watch, w", Usage: "keep sweeping every sweep.interval"},
			},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				if c.Bool("watch") {
					err := rt.orch.RunSweeper(ctx, rt.cfg.Sweep.Interval)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				report, err := rt.orch.Sweep(ctx)
				if err != nil {
					return err
				}
				if err := printJSON(report.Outcomes); err != nil {
					return err
				}
				return report.Err()
			}),
		},
		{
			Name:  "receipt",
			Usage: "open the archived result of a settled computation",
			Flags: []cli.Flag{ownerFlag, cli.StringFlag{Name: "ref, r", Usage: "computation reference"}},
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				if rt.receipts == nil {
					return errors.New("receipt requires block_storage to be configured")
				}
				sealed, err := rt.receipts.GetReceipt(ctx, owner(c), c.String("ref"))
				if err != nil {
					return err
				}
				var result types.ComputationResult
				if err := rt.session.Open(sealer.SchemaResult, sealed, &result); err != nil {
					return err
				}
				return printJSON(receiptOutput{
					ComputationRef: result.ComputationRef,
					Operation:      result.Operation,
					Accepted:       result.Accepted,
					Execution:      result.Execution,
					SealedAt:       sealed.CreatedAt,
				})
			}),
		},
		{
			Name:  "queued",
			Usage: "list vaults holding an unsettled computation",
			Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
				if rt.db == nil {
					return errors.New("queued requires the postgres ledger backend")
				}
				queued, err := rt.db.ListQueuedVaults(ctx)
				if err != nil {
					return err
				}
				return printJSON(queued)
			}),
		},
	}
}

func pauseCommand(name, usage string, paused bool) cli.Command {
	return cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			ownerFlag,
			cli.StringFlag{Name: "authority", Usage: "pause authority, defaults to the owner"},
		},
		Action: withRuntime(func(ctx context.Context, c *cli.Context, rt *runtime) error {
			authority := types.Identity(c.String("authority"))
			if authority == "" {
				authority = owner(c)
			}
			if paused {
				return rt.orch.Pause(ctx, authority, owner(c))
			}
			return rt.orch.Unpause(ctx, authority, owner(c))
		}),
	}
}

func withRuntime(fn func(ctx context.Context, c *cli.Context, rt *runtime) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		rt, err := newRuntime(c)
		if err != nil {
			return err
		}
		defer rt.close()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, c, rt)
	}
}

func owner(c *cli.Context) types.Identity {
	return types.Identity(c.String("owner"))
}

func printOutcome(out *vault.Outcome, err error) error {
	if err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("fail to serialize output, err: %w", err)
	}
	fmt.Println(string(buf))
	return nil
}

type vaultOutput struct {
	types.VaultMetadata
	ExecutionCount   uint64    `json:"execution_count"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
	Balance          string    `json:"encrypted_balance,omitempty"`
	TotalDeposits    string    `json:"encrypted_total_deposits,omitempty"`
	TotalWithdrawals string    `json:"encrypted_total_withdrawals,omitempty"`
	TxCount          string    `json:"encrypted_tx_count,omitempty"`
}

// vaultView shows ciphertext handles as hex; they are only meaningful to the network.
func vaultView(m types.VaultMetadata, d *types.VaultData) vaultOutput {
	out := vaultOutput{VaultMetadata: m}
	if d == nil {
		return out
	}
	out.ExecutionCount = d.ExecutionCount
	out.IsActive = d.IsActive
	out.CreatedAt = d.CreatedAt
	out.Balance = hex.EncodeToString(d.EncryptedBalance)
	out.TotalDeposits = hex.EncodeToString(d.EncryptedTotalDeposits)
	out.TotalWithdrawals = hex.EncodeToString(d.EncryptedTotalWithdrawals)
	out.TxCount = hex.EncodeToString(d.EncryptedTxCount)
	return out
}

type receiptOutput struct {
	ComputationRef string                 `json:"computation_ref"`
	Operation      types.Operation        `json:"operation"`
	Accepted       bool                   `json:"accepted"`
	Execution      *types.ExecutionResult `json:"execution,omitempty"`
	SealedAt       time.Time              `json:"sealed_at"`
}
