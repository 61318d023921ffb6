package mpcsim

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

var (
	ErrUnknownKey = errors.New("no session key registered for key id")
	ErrOverflow   = errors.New("arithmetic overflow")
	ErrBadState   = errors.New("encrypted state cannot be opened")
)

const stateAssociatedData = "mpcsim:v1:state"

// plainState is the cleartext a set of state handles stands for.
type plainState struct {
	Balance          uint64
	TotalDeposits    uint64
	TotalWithdrawals uint64
	TxCount          uint64
}

// Engine evaluates vault circuits. It stands in for the network: state handles are sealed
// with its cluster key, client inputs are opened with the registered session key, and
// every output is signed with the attestation key.
type Engine struct {
	clusterKey []byte
	signer     ed25519.PrivateKey
	now        func() time.Time
	logger     *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*sealer.Session
}

func NewEngine(clusterKey []byte, signer ed25519.PrivateKey, sessions ...*sealer.Session) (*Engine, error) {
	if len(clusterKey) != sealer.KeySize {
		return nil, fmt.Errorf("cluster key: %w", sealer.ErrKeyLength)
	}
	if len(signer) != ed25519.PrivateKeySize {
		return nil, errors.New("attestation key must be an ed25519 private key")
	}
	e := &Engine{
		clusterKey: append([]byte(nil), clusterKey...),
		signer:     signer,
		now:        time.Now,
		logger:     logrus.WithField("service", "mpcsim").Logger,
		sessions:   make(map[string]*sealer.Session),
	}
	for _, s := range sessions {
		e.Register(s)
	}
	return e, nil
}

// Register makes a session key available to circuits.
func (e *Engine) Register(s *sealer.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.KeyID()] = s
}

func (e *Engine) session(keyID string) (*sealer.Session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return s, nil
}

// AttestationKey is the public half of the signing key, for ledger configuration.
func (e *Engine) AttestationKey() ed25519.PublicKey {
	return e.signer.Public().(ed25519.PublicKey)
}

func (e *Engine) encrypt(v uint64) (types.EncryptedValue, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	blob, err := sealer.SealBlob(e.clusterKey, buf, []byte(stateAssociatedData))
	if err != nil {
		return nil, err
	}
	return types.EncryptedValue(blob), nil
}

// Reveal decrypts a single state handle. Development tooling only.
func (e *Engine) Reveal(v types.EncryptedValue) (uint64, error) {
	buf, err := sealer.OpenBlob(e.clusterKey, v, []byte(stateAssociatedData))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadState, err)
	}
	if len(buf) != 8 {
		return 0, fmt.Errorf("%w: handle holds %d bytes", ErrBadState, len(buf))
	}
	return binary.BigEndian.Uint64(buf), nil
}

func (e *Engine) openState(s *types.EncryptedState) (plainState, error) {
	if s == nil {
		return plainState{}, fmt.Errorf("%w: state is missing", ErrBadState)
	}
	var out plainState
	for _, f := range []struct {
		dst *uint64
		src types.EncryptedValue
	}{
		{&out.Balance, s.Balance},
		{&out.TotalDeposits, s.TotalDeposits},
		{&out.TotalWithdrawals, s.TotalWithdrawals},
		{&out.TxCount, s.TxCount},
	} {
		v, err := e.Reveal(f.src)
		if err != nil {
			return plainState{}, err
		}
		*f.dst = v
	}
	return out, nil
}

func (e *Engine) sealState(p plainState) (*types.EncryptedState, error) {
	var out types.EncryptedState
	for _, f := range []struct {
		dst *types.EncryptedValue
		src uint64
	}{
		{&out.Balance, p.Balance},
		{&out.TotalDeposits, p.TotalDeposits},
		{&out.TotalWithdrawals, p.TotalWithdrawals},
		{&out.TxCount, p.TxCount},
	} {
		v, err := e.encrypt(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return &out, nil
}

// RevealState decrypts every handle of s.
func (e *Engine) RevealState(s types.EncryptedState) (balance, deposits, withdrawals, txCount uint64, err error) {
	p, err := e.openState(&s)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return p.Balance, p.TotalDeposits, p.TotalWithdrawals, p.TxCount, nil
}

func add(a, b uint64) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

var inputSchemas = map[types.Operation]sealer.Schema{
	types.OperationInitialize:   sealer.SchemaInitialize,
	types.OperationDeposit:      sealer.SchemaDeposit,
	types.OperationWithdraw:     sealer.SchemaWithdraw,
	types.OperationTransfer:     sealer.SchemaTransfer,
	types.OperationCheckBalance: sealer.SchemaCheckBalance,
	types.OperationExecuteTrade: sealer.SchemaTradeIntent,
}

// Execute runs the circuit named by req and returns the result sealed to the requesting session.
// Errors are permanent: the same request always fails the same way. Arithmetic overflow is not
// an error; it yields a rejected result with Overflow set.
func (e *Engine) Execute(req types.JobRequest) (*sealer.SealedPayload, error) {
	if err := req.IsValid(); err != nil {
		return nil, err
	}
	session, err := e.session(req.KeyID)
	if err != nil {
		return nil, err
	}
	result := types.ComputationResult{
		ComputationRef: req.ComputationRef,
		Operation:      req.Operation,
	}
	schema := inputSchemas[req.Operation]

	switch req.Operation {
	case types.OperationInitialize:
		var in types.InitializeInput
		if err := session.Open(schema, req.Input, &in); err != nil {
			return nil, err
		}
		result.Source, err = e.sealState(plainState{Balance: in.InitialBalance, TotalDeposits: in.InitialBalance})
		result.Accepted = err == nil
	case types.OperationDeposit, types.OperationWithdraw, types.OperationCheckBalance:
		var in types.AmountInput
		if err := session.Open(schema, req.Input, &in); err != nil {
			return nil, err
		}
		err = e.evaluateSingle(&result, req, in.Amount)
	case types.OperationTransfer:
		var in types.AmountInput
		if err := session.Open(schema, req.Input, &in); err != nil {
			return nil, err
		}
		err = e.evaluateTransfer(&result, req, in.Amount)
	case types.OperationExecuteTrade:
		var intent types.TradeIntent
		if err := session.Open(schema, req.Input, &intent); err != nil {
			return nil, err
		}
		err = e.evaluateTrade(&result, req, intent)
	}
	if errors.Is(err, ErrOverflow) {
		// Rejected with the state untouched, so the ledger still settles and releases the vault.
		result = types.ComputationResult{ComputationRef: req.ComputationRef, Operation: req.Operation, Overflow: true}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	digest, err := result.Digest()
	if err != nil {
		return nil, err
	}
	result.Attestation = ed25519.Sign(e.signer, digest)

	e.logger.WithFields(logrus.Fields{
		"computation_ref": req.ComputationRef,
		"operation":       req.Operation,
		"accepted":        result.Accepted,
	}).Info("circuit evaluated")
	return session.Seal(sealer.SchemaResult, result)
}

func (e *Engine) evaluateSingle(result *types.ComputationResult, req types.JobRequest, amount uint64) error {
	state, err := e.openState(req.Source)
	if err != nil {
		return err
	}
	switch req.Operation {
	case types.OperationDeposit:
		if amount == 0 {
			return nil
		}
		if state.Balance, err = add(state.Balance, amount); err != nil {
			return err
		}
		if state.TotalDeposits, err = add(state.TotalDeposits, amount); err != nil {
			return err
		}
	case types.OperationWithdraw:
		if amount == 0 || state.Balance < amount {
			return nil
		}
		state.Balance -= amount
		if state.TotalWithdrawals, err = add(state.TotalWithdrawals, amount); err != nil {
			return err
		}
	case types.OperationCheckBalance:
		result.Accepted = state.Balance >= amount
		return nil
	}
	if state.TxCount, err = add(state.TxCount, 1); err != nil {
		return err
	}
	result.Source, err = e.sealState(state)
	result.Accepted = err == nil
	return err
}

func (e *Engine) evaluateTransfer(result *types.ComputationResult, req types.JobRequest, amount uint64) error {
	src, err := e.openState(req.Source)
	if err != nil {
		return err
	}
	dst, err := e.openState(req.Destination)
	if err != nil {
		return err
	}
	if amount == 0 || src.Balance < amount {
		return nil
	}
	src.Balance -= amount
	if src.TotalWithdrawals, err = add(src.TotalWithdrawals, amount); err != nil {
		return err
	}
	if src.TxCount, err = add(src.TxCount, 1); err != nil {
		return err
	}
	if dst.Balance, err = add(dst.Balance, amount); err != nil {
		return err
	}
	if dst.TotalDeposits, err = add(dst.TotalDeposits, amount); err != nil {
		return err
	}
	if dst.TxCount, err = add(dst.TxCount, 1); err != nil {
		return err
	}
	if result.Source, err = e.sealState(src); err != nil {
		return err
	}
	if result.Destination, err = e.sealState(dst); err != nil {
		return err
	}
	result.Accepted = true
	return nil
}

// evaluateTrade fills the intent at the worst price its slippage bound allows.
func (e *Engine) evaluateTrade(result *types.ComputationResult, req types.JobRequest, intent types.TradeIntent) error {
	state, err := e.openState(req.Source)
	if err != nil {
		return err
	}
	exec := &types.ExecutionResult{Timestamp: e.now().Unix()}
	if intent.IsValid() == nil && state.Balance >= intent.Amount {
		exec.Success = true
		exec.ExecutedAmount = intent.Amount
		exec.ReceivedAmount = intent.Amount / types.MaxSlippageBps * uint64(types.MaxSlippageBps-int(intent.MaxSlippageBps))
		exec.ReceivedAmount += intent.Amount % types.MaxSlippageBps * uint64(types.MaxSlippageBps-int(intent.MaxSlippageBps)) / types.MaxSlippageBps
	}
	result.Execution = exec
	result.Accepted = exec.Success
	return nil
}
