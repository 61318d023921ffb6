package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

var ErrResultMismatch = errors.New("computation result does not match the queued computation")

// Ledger is the vault instruction surface the orchestrator drives.
type Ledger interface {
	Accounts(owner types.Identity) (ledger.Accounts, error)
	FetchVault(ctx context.Context, owner types.Identity) (*ledger.Record, error)
	InitializeVault(ctx context.Context, args ledger.QueueArgs) error
	InitializeVaultCallback(ctx context.Context, args ledger.CallbackArgs) (*ledger.Settlement, error)
	Deposit(ctx context.Context, args ledger.QueueArgs) error
	DepositCallback(ctx context.Context, args ledger.CallbackArgs) (*ledger.Settlement, error)
	Withdraw(ctx context.Context, args ledger.QueueArgs) error
	WithdrawCallback(ctx context.Context, args ledger.CallbackArgs) (*ledger.Settlement, error)
	CheckBalanceSufficient(ctx context.Context, args ledger.QueueArgs) error
	CheckBalanceSufficientCallback(ctx context.Context, args ledger.CallbackArgs) (*ledger.Settlement, error)
	SubmitTradeIntent(ctx context.Context, args ledger.QueueArgs) error
	ExecuteTradeCallback(ctx context.Context, args ledger.CallbackArgs) (*ledger.Settlement, error)
	Transfer(ctx context.Context, args ledger.TransferArgs) error
	TransferCallback(ctx context.Context, args ledger.TransferCallbackArgs) (*ledger.Settlement, error)
	PauseVault(ctx context.Context, args ledger.PauseArgs) error
}

var _ Ledger = (*ledger.Program)(nil)

// Coordinator submits jobs to the computation network and waits for their results.
type Coordinator interface {
	Submit(ctx context.Context, req types.JobRequest) (string, error)
	AwaitResult(ctx context.Context, jobID string, timeout time.Duration) (*sealer.SealedPayload, error)
}

// PendingStore remembers queued computations until they settle.
type PendingStore interface {
	SavePending(ctx context.Context, p types.PendingComputation) error
	ListPending(ctx context.Context) ([]types.PendingComputation, error)
	DeletePending(ctx context.Context, ref string) error
}

// ReceiptStore archives sealed results after settlement.
type ReceiptStore interface {
	SaveReceipt(ctx context.Context, owner types.Identity, ref string, result *sealer.SealedPayload) error
}

// Orchestrator runs vault operations through queue, await and settle. It holds no vault
// state of its own; the ledger's pending flag is the only lock.
type Orchestrator struct {
	ledger      Ledger
	coordinator Coordinator
	session     *sealer.Session
	pending     PendingStore
	receipts    ReceiptStore
	sdClient    statsd.ClientInterface
	timeout     time.Duration
	maxAttempts int
	concurrency int
	minAge      time.Duration
	now         func() time.Time
	logger      *logrus.Logger
}

type Option func(*Orchestrator)

func WithReceipts(r ReceiptStore) Option {
	return func(o *Orchestrator) {
		o.receipts = r
	}
}

func WithStatsd(c statsd.ClientInterface) Option {
	return func(o *Orchestrator) {
		o.sdClient = c
	}
}

// WithTimeout bounds each wait for a job result. Zero defers to the coordinator's default.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithMaxAttempts bounds how many times the sweep resubmits a computation.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		o.maxAttempts = n
	}
}

// WithSweepConcurrency bounds how many pending computations the sweep recovers at once.
func WithSweepConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithSweepMinAge makes the sweep leave alone pending computations updated less than d ago,
// so it never races a caller that is still driving one. Zero recovers every entry.
func WithSweepMinAge(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.minAge = d
	}
}

// DefaultSweepMinAge outlasts the coordinator's default result timeout.
const DefaultSweepMinAge = 5 * time.Minute

func NewOrchestrator(l Ledger, c Coordinator, session *sealer.Session, pending PendingStore, opts ...Option) (*Orchestrator, error) {
	if l == nil {
		return nil, errors.New("ledger is nil")
	}
	if c == nil {
		return nil, errors.New("coordinator is nil")
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if pending == nil {
		return nil, errors.New("pending store is nil")
	}
	o := &Orchestrator{
		ledger:      l,
		coordinator: c,
		session:     session,
		pending:     pending,
		sdClient:    &statsd.NoOpClient{},
		maxAttempts: 3,
		concurrency: 4,
		minAge:      DefaultSweepMinAge,
		now:         time.Now,
		logger:      logrus.WithField("service", "vault").Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) incCounter(name string, tags []string) {
	if err := o.sdClient.Count(name, 1, tags, 1); err != nil {
		o.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (o *Orchestrator) measureTime(name string, start time.Time, tags []string) {
	if err := o.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		o.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

func (o *Orchestrator) newOperation(kind types.Operation, owner, counterparty types.Identity) *operation {
	ref := uuid.NewString()
	return &operation{
		kind:         kind,
		ref:          ref,
		owner:        owner,
		counterparty: counterparty,
		state:        StateIdle,
		started:      o.now(),
		logger: o.logger.WithFields(logrus.Fields{
			"operation":       kind,
			"computation_ref": ref,
			"vault":           owner,
		}),
	}
}

// resumeOperation rebuilds an operation that is already queued on the ledger.
func (o *Orchestrator) resumeOperation(p types.PendingComputation) *operation {
	return &operation{
		kind:         p.Operation,
		ref:          p.ComputationRef,
		owner:        p.Owner,
		counterparty: p.Counterparty,
		input:        p.Input,
		jobID:        p.JobID,
		attempts:     p.Attempts,
		state:        StateQueued,
		started:      p.CreatedAt,
		logger: o.logger.WithFields(logrus.Fields{
			"operation":       p.Operation,
			"computation_ref": p.ComputationRef,
			"vault":           p.Owner,
			"resumed":         true,
		}),
	}
}

// Vault returns the ledger records of owner's vault.
func (o *Orchestrator) Vault(ctx context.Context, owner types.Identity) (*ledger.Record, error) {
	return o.ledger.FetchVault(ctx, owner)
}

// execute drives op from Idle to a terminal state. queue issues the ledger's queue instruction.
func (o *Orchestrator) execute(ctx context.Context, op *operation, schema sealer.Schema, input any, queue func(ctx context.Context) error) (*Outcome, error) {
	metric := "vault." + op.kind.String()
	tags := []string{"operation:" + op.kind.String()}
	defer o.measureTime(metric+".latency", op.started, tags)

	outcome, err := o.run(ctx, op, schema, input, queue)
	if err != nil {
		o.incCounter(metric+".error", tags)
		op.logger.WithField("state", op.state.String()).Errorf("operation failed, err: %v", err)
		return nil, err
	}
	o.incCounter(metric, tags)
	if !outcome.Accepted {
		o.incCounter(metric+".rejected", tags)
	}
	return outcome, nil
}

func (o *Orchestrator) run(ctx context.Context, op *operation, schema sealer.Schema, input any, queue func(ctx context.Context) error) (*Outcome, error) {
	sealed, err := o.session.Seal(schema, input)
	if err != nil {
		return nil, fmt.Errorf("fail to seal input, err: %w", err)
	}
	op.input = sealed

	if err := queue(ctx); err != nil {
		return nil, err
	}
	if err := op.advance(StateQueued); err != nil {
		return nil, err
	}
	if err := o.savePending(ctx, op); err != nil {
		op.logger.Errorf("fail to save pending computation, err: %v", err)
	}

	if err := o.submit(ctx, op); err != nil {
		return nil, err
	}
	return o.await(ctx, op)
}

func (o *Orchestrator) savePending(ctx context.Context, op *operation) error {
	return o.pending.SavePending(ctx, op.pending())
}

// jobRequest reads the current state handles of the vaults involved in op.
func (o *Orchestrator) jobRequest(ctx context.Context, op *operation) (types.JobRequest, error) {
	req := types.JobRequest{
		ComputationRef: op.ref,
		Operation:      op.kind,
		KeyID:          o.session.KeyID(),
		Input:          op.input,
	}
	if op.kind == types.OperationInitialize {
		return req, nil
	}
	src, err := o.stateOf(ctx, op.owner)
	if err != nil {
		return types.JobRequest{}, err
	}
	req.Source = src
	if op.kind == types.OperationTransfer {
		dst, err := o.stateOf(ctx, op.counterparty)
		if err != nil {
			return types.JobRequest{}, err
		}
		req.Destination = dst
	}
	return req, nil
}

func (o *Orchestrator) stateOf(ctx context.Context, owner types.Identity) (*types.EncryptedState, error) {
	rec, err := o.ledger.FetchVault(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("fail to fetch vault %s, err: %w", owner, err)
	}
	if rec.Data == nil {
		return nil, fmt.Errorf("vault %s: %w", owner, ledger.ErrNotInitialized)
	}
	state := rec.Data.State()
	return &state, nil
}

// submit hands op to the computation network and moves it to Awaiting.
func (o *Orchestrator) submit(ctx context.Context, op *operation) error {
	req, err := o.jobRequest(ctx, op)
	if err != nil {
		return err
	}
	jobID, err := o.coordinator.Submit(ctx, req)
	if err != nil {
		return err
	}
	op.jobID = jobID
	if err := o.savePending(ctx, op); err != nil {
		op.logger.Errorf("fail to record job id, err: %v", err)
	}
	op.logger.WithField("job_id", jobID).Info("computation submitted")
	return op.advance(StateAwaiting)
}

func (o *Orchestrator) await(ctx context.Context, op *operation) (*Outcome, error) {
	sealed, err := o.coordinator.AwaitResult(ctx, op.jobID, o.timeout)
	if err != nil {
		return nil, err
	}
	if err := op.advance(StateSettling); err != nil {
		return nil, err
	}
	return o.settle(ctx, op, sealed)
}

// settle opens the network's result and issues the matching callback instruction.
func (o *Orchestrator) settle(ctx context.Context, op *operation, sealed *sealer.SealedPayload) (*Outcome, error) {
	var result types.ComputationResult
	if err := o.session.Open(sealer.SchemaResult, sealed, &result); err != nil {
		return nil, fmt.Errorf("fail to open computation result, err: %w", err)
	}
	if result.ComputationRef != op.ref || result.Operation != op.kind {
		return nil, fmt.Errorf("%w: got %q (%s), expected %q (%s)", ErrResultMismatch, result.ComputationRef, result.Operation, op.ref, op.kind)
	}

	if err := o.callback(ctx, op, result); err != nil {
		return nil, err
	}
	next := StateSettled
	if !result.Accepted {
		next = StateRejected
	}
	if err := op.advance(next); err != nil {
		return nil, err
	}

	if err := o.pending.DeletePending(ctx, op.ref); err != nil {
		op.logger.Errorf("fail to delete pending computation, err: %v", err)
	}
	if o.receipts != nil {
		if err := o.receipts.SaveReceipt(ctx, op.owner, op.ref, sealed); err != nil {
			op.logger.Errorf("fail to archive receipt, err: %v", err)
		}
	}

	outcome := &Outcome{
		ComputationRef: op.ref,
		JobID:          op.jobID,
		Operation:      op.kind,
		State:          op.state,
		Accepted:       result.Accepted,
		Execution:      result.Execution,
	}
	if !result.Accepted {
		outcome.Reason = rejectionReason(result)
	}
	op.logger.WithFields(logrus.Fields{
		"job_id":   op.jobID,
		"accepted": result.Accepted,
	}).Info("computation settled")
	return outcome, nil
}

func (o *Orchestrator) callback(ctx context.Context, op *operation, result types.ComputationResult) error {
	acc, err := o.ledger.Accounts(op.owner)
	if err != nil {
		return err
	}
	args := ledger.CallbackArgs{
		Signer:         op.owner,
		Vault:          acc,
		ComputationRef: op.ref,
		Output:         result,
	}
	switch op.kind {
	case types.OperationInitialize:
		_, err = o.ledger.InitializeVaultCallback(ctx, args)
	case types.OperationDeposit:
		_, err = o.ledger.DepositCallback(ctx, args)
	case types.OperationWithdraw:
		_, err = o.ledger.WithdrawCallback(ctx, args)
	case types.OperationCheckBalance:
		_, err = o.ledger.CheckBalanceSufficientCallback(ctx, args)
	case types.OperationExecuteTrade:
		_, err = o.ledger.ExecuteTradeCallback(ctx, args)
	case types.OperationTransfer:
		to, accErr := o.ledger.Accounts(op.counterparty)
		if accErr != nil {
			return accErr
		}
		_, err = o.ledger.TransferCallback(ctx, ledger.TransferCallbackArgs{
			Signer:         op.owner,
			From:           acc,
			To:             to,
			ComputationRef: op.ref,
			Amount:         op.input,
			Output:         result,
		})
	default:
		return fmt.Errorf("unknown operation %q", op.kind)
	}
	return err
}
