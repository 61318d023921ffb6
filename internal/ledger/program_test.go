package ledger_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/shadowvault/internal/address"
	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (s *recordingSink) Emit(e ledger.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() []ledger.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.EventKind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	program *ledger.Program
	network ed25519.PrivateKey
	sink    *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var programID address.Address
	_, err = rand.Read(programID[:])
	require.NoError(t, err)
	sink := &recordingSink{}
	program, err := ledger.NewProgram(programID, ledger.NewMemoryStore(), pub, ledger.WithEventSink(sink))
	require.NoError(t, err)
	return &fixture{
		program: program,
		network: priv,
		sink:    sink,
	}
}

func newOwner(t *testing.T) types.Identity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return types.Identity(base58.Encode(pub))
}

func (f *fixture) accounts(t *testing.T, owner types.Identity) ledger.Accounts {
	t.Helper()
	acc, err := f.program.Accounts(owner)
	require.NoError(t, err)
	return acc
}

func (f *fixture) sign(t *testing.T, out types.ComputationResult) types.ComputationResult {
	t.Helper()
	digest, err := out.Digest()
	require.NoError(t, err)
	out.Attestation = ed25519.Sign(f.network, digest)
	return out
}

func stateOf(tag string) *types.EncryptedState {
	return &types.EncryptedState{
		Balance:          types.EncryptedValue(tag + "-balance"),
		TotalDeposits:    types.EncryptedValue(tag + "-deposits"),
		TotalWithdrawals: types.EncryptedValue(tag + "-withdrawals"),
		TxCount:          types.EncryptedValue(tag + "-count"),
	}
}

func sealedInput() *sealer.SealedPayload {
	return &sealer.SealedPayload{Ciphertext: []byte("opaque-ciphertext"), Nonce: make([]byte, sealer.NonceSize), Schema: sealer.SchemaDeposit.Name}
}

func (f *fixture) initialize(t *testing.T, owner types.Identity, tag string) {
	t.Helper()
	ctx := context.Background()
	acc := f.accounts(t, owner)
	ref := uuid.NewString()
	require.NoError(t, f.program.InitializeVault(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationInitialize, Accepted: true, Source: stateOf(tag)})
	s, err := f.program.InitializeVaultCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
	require.NoError(t, err)
	require.True(t, s.Accepted)
}

func (f *fixture) fetch(t *testing.T, owner types.Identity) *ledger.Record {
	t.Helper()
	rec, err := f.program.FetchVault(context.Background(), owner)
	require.NoError(t, err)
	return rec
}

func TestInitializeVault(t *testing.T) {
	f := newFixture(t)
	owner := newOwner(t)
	f.initialize(t, owner, "v0")

	rec := f.fetch(t, owner)
	assert.True(t, rec.Metadata.Initialized)
	assert.False(t, rec.Metadata.ComputationQueued)
	assert.Empty(t, rec.Metadata.PendingComputation)
	assert.Equal(t, owner, rec.Metadata.Owner)
	assert.Equal(t, owner, rec.Metadata.Authority)
	require.NotNil(t, rec.Data)
	assert.True(t, rec.Data.IsActive)
	assert.Equal(t, *stateOf("v0"), rec.Data.State())
	assert.Equal(t, []ledger.EventKind{ledger.EventVaultInitialized}, f.sink.kinds())
}

func TestDoubleInitialize(t *testing.T) {
	f := newFixture(t)
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	before := f.fetch(t, owner)

	err := f.program.InitializeVault(context.Background(), ledger.QueueArgs{
		Signer: owner, Vault: f.accounts(t, owner), ComputationRef: uuid.NewString(), Input: sealedInput(),
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyInitialized)
	assert.Equal(t, before, f.fetch(t, owner))
}

func TestRejectedInitializeCanRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	acc := f.accounts(t, owner)
	ref := uuid.NewString()
	require.NoError(t, f.program.InitializeVault(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))

	err := f.program.InitializeVault(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: uuid.NewString(), Input: sealedInput()})
	assert.ErrorIs(t, err, ledger.ErrOperationInFlight)

	out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationInitialize, Accepted: false})
	s, err := f.program.InitializeVaultCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
	require.NoError(t, err)
	assert.False(t, s.Accepted)

	rec := f.fetch(t, owner)
	assert.False(t, rec.Metadata.Initialized)
	assert.False(t, rec.Metadata.ComputationQueued)
	assert.Nil(t, rec.Data)

	f.initialize(t, owner, "retry")
	assert.True(t, f.fetch(t, owner).Metadata.Initialized)
}

func TestQueueArgumentChecks(t *testing.T) {
	f := newFixture(t)
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)
	other := newOwner(t)
	otherAcc := f.accounts(t, other)

	testCases := []struct {
		name    string
		args    ledger.QueueArgs
		wantErr error
	}{
		{
			name:    "signer is not owner",
			args:    ledger.QueueArgs{Signer: other, Vault: acc, ComputationRef: "ref", Input: sealedInput()},
			wantErr: ledger.ErrUnauthorized,
		},
		{
			name:    "accounts of another owner",
			args:    ledger.QueueArgs{Signer: owner, Vault: ledger.Accounts{Owner: owner, Metadata: otherAcc.Metadata, Data: otherAcc.Data}, ComputationRef: "ref", Input: sealedInput()},
			wantErr: ledger.ErrInvalidAccount,
		},
		{
			name:    "missing computation reference",
			args:    ledger.QueueArgs{Signer: owner, Vault: acc, Input: sealedInput()},
			wantErr: ledger.ErrStaleComputation,
		},
		{
			name:    "missing sealed input",
			args:    ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: "ref"},
			wantErr: ledger.ErrInvalidAmount,
		},
		{
			name:    "uninitialized vault",
			args:    ledger.QueueArgs{Signer: other, Vault: otherAcc, ComputationRef: "ref", Input: sealedInput()},
			wantErr: ledger.ErrVaultNotFound,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.program.Deposit(context.Background(), tc.args)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
	assert.False(t, f.fetch(t, owner).Metadata.ComputationQueued)
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	ref := uuid.NewString()
	require.NoError(t, f.program.Withdraw(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))

	second := ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: uuid.NewString(), Input: sealedInput()}
	assert.ErrorIs(t, f.program.Deposit(ctx, second), ledger.ErrOperationInFlight)
	assert.ErrorIs(t, f.program.Withdraw(ctx, second), ledger.ErrOperationInFlight)
	assert.ErrorIs(t, f.program.CheckBalanceSufficient(ctx, second), ledger.ErrOperationInFlight)
	assert.ErrorIs(t, f.program.SubmitTradeIntent(ctx, second), ledger.ErrOperationInFlight)

	rec := f.fetch(t, owner)
	assert.Equal(t, ref, rec.Metadata.PendingComputation)
	assert.Equal(t, types.OperationWithdraw, rec.Metadata.PendingOperation)
}

func TestConcurrentQueueOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	const attempts = 32
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.program.Deposit(context.Background(), ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: uuid.NewString(), Input: sealedInput()})
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrOperationInFlight)
	}
	assert.Equal(t, 1, wins)
}

func TestRejectedWithdrawKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)
	before := f.fetch(t, owner).Data.State()

	ref := uuid.NewString()
	require.NoError(t, f.program.Withdraw(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationWithdraw, Accepted: false, Source: stateOf("ignored")})
	s, err := f.program.WithdrawCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
	require.NoError(t, err)
	assert.False(t, s.Accepted)

	rec := f.fetch(t, owner)
	assert.False(t, rec.Metadata.ComputationQueued)
	assert.Equal(t, before, rec.Data.State())
}

func TestAcceptedDepositAppliesState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	ref := uuid.NewString()
	require.NoError(t, f.program.Deposit(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationDeposit, Accepted: true, Source: stateOf("v1")})
	_, err := f.program.DepositCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
	require.NoError(t, err)
	assert.Equal(t, *stateOf("v1"), f.fetch(t, owner).Data.State())
}

func TestNewProgramRequiresAttestationKey(t *testing.T) {
	var programID address.Address
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		store ledger.Store
		key   ed25519.PublicKey
		ok    bool
	}{
		{name: "valid", store: ledger.NewMemoryStore(), key: pub, ok: true},
		{name: "missing key", store: ledger.NewMemoryStore()},
		{name: "short key", store: ledger.NewMemoryStore(), key: pub[:16]},
		{name: "missing store", key: pub},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ledger.NewProgram(programID, tc.store, tc.key)
			if tc.ok {
				require.NoError(t, err)
				assert.NotNil(t, p)
				return
			}
			assert.Error(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestUnsignedReplayRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	ref := uuid.NewString()
	require.NoError(t, f.program.Withdraw(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	_, err := f.program.WithdrawCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref,
		Output: f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationWithdraw, Accepted: true, Source: stateOf("v1")})})
	require.NoError(t, err)

	// The owner queues another withdraw and tries to settle it with the earlier state.
	ref = uuid.NewString()
	require.NoError(t, f.program.Withdraw(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	_, err = f.program.WithdrawCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref,
		Output: types.ComputationResult{ComputationRef: ref, Operation: types.OperationWithdraw, Accepted: true, Source: stateOf("v0")}})
	assert.ErrorIs(t, err, ledger.ErrAttestation)

	rec := f.fetch(t, owner)
	assert.Equal(t, *stateOf("v1"), rec.Data.State())
	assert.True(t, rec.Metadata.ComputationQueued)
}

func TestSettleVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)
	ref := uuid.NewString()
	require.NoError(t, f.program.Deposit(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))

	good := types.ComputationResult{ComputationRef: ref, Operation: types.OperationDeposit, Accepted: true, Source: stateOf("v1")}
	tampered := f.sign(t, good)
	tampered.Source = stateOf("forged")
	otherRef := good
	otherRef.ComputationRef = uuid.NewString()

	testCases := []struct {
		name    string
		signer  types.Identity
		ref     string
		output  types.ComputationResult
		settle  func(context.Context, ledger.CallbackArgs) (*ledger.Settlement, error)
		wantErr error
	}{
		{name: "unsigned output", signer: owner, ref: ref, output: good, settle: f.program.DepositCallback, wantErr: ledger.ErrAttestation},
		{name: "tampered output", signer: owner, ref: ref, output: tampered, settle: f.program.DepositCallback, wantErr: ledger.ErrAttestation},
		{name: "output for another computation", signer: owner, ref: ref, output: f.sign(t, otherRef), settle: f.program.DepositCallback, wantErr: ledger.ErrStaleComputation},
		{name: "reference not pending", signer: owner, ref: otherRef.ComputationRef, output: f.sign(t, otherRef), settle: f.program.DepositCallback, wantErr: ledger.ErrStaleComputation},
		{name: "wrong callback", signer: owner, ref: ref, output: f.sign(t, good), settle: f.program.WithdrawCallback, wantErr: ledger.ErrStaleComputation},
		{name: "foreign signer", signer: newOwner(t), ref: ref, output: f.sign(t, good), settle: f.program.DepositCallback, wantErr: ledger.ErrUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.settle(ctx, ledger.CallbackArgs{Signer: tc.signer, Vault: acc, ComputationRef: tc.ref, Output: tc.output})
			assert.ErrorIs(t, err, tc.wantErr)
			rec := f.fetch(t, owner)
			assert.True(t, rec.Metadata.ComputationQueued)
			assert.Equal(t, *stateOf("v0"), rec.Data.State())
		})
	}

	_, err := f.program.DepositCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: f.sign(t, good)})
	require.NoError(t, err)
	_, err = f.program.DepositCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: f.sign(t, good)})
	assert.ErrorIs(t, err, ledger.ErrStaleComputation, "replayed settle")
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*fixture, types.Identity, types.Identity, ledger.Accounts, ledger.Accounts) {
		f := newFixture(t)
		alice, bob := newOwner(t), newOwner(t)
		f.initialize(t, alice, "alice")
		f.initialize(t, bob, "bob")
		return f, alice, bob, f.accounts(t, alice), f.accounts(t, bob)
	}

	t.Run("accepted", func(t *testing.T) {
		f, alice, bob, from, to := setup(t)
		ref := uuid.NewString()
		require.NoError(t, f.program.Transfer(ctx, ledger.TransferArgs{Signer: alice, From: from, To: to, ComputationRef: ref, Input: sealedInput()}))
		assert.True(t, f.fetch(t, alice).Metadata.ComputationQueued)
		assert.True(t, f.fetch(t, bob).Metadata.ComputationQueued)

		out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationTransfer, Accepted: true, Source: stateOf("alice2"), Destination: stateOf("bob2")})
		s, err := f.program.TransferCallback(ctx, ledger.TransferCallbackArgs{Signer: alice, From: from, To: to, ComputationRef: ref, Amount: sealedInput(), Output: out})
		require.NoError(t, err)
		assert.True(t, s.Accepted)
		assert.Equal(t, *stateOf("alice2"), f.fetch(t, alice).Data.State())
		assert.Equal(t, *stateOf("bob2"), f.fetch(t, bob).Data.State())
		assert.False(t, f.fetch(t, alice).Metadata.ComputationQueued)
		assert.False(t, f.fetch(t, bob).Metadata.ComputationQueued)
	})

	t.Run("rejected keeps both", func(t *testing.T) {
		f, alice, bob, from, to := setup(t)
		ref := uuid.NewString()
		require.NoError(t, f.program.Transfer(ctx, ledger.TransferArgs{Signer: alice, From: from, To: to, ComputationRef: ref, Input: sealedInput()}))
		out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationTransfer, Accepted: false})
		s, err := f.program.TransferCallback(ctx, ledger.TransferCallbackArgs{Signer: alice, From: from, To: to, ComputationRef: ref, Amount: sealedInput(), Output: out})
		require.NoError(t, err)
		assert.False(t, s.Accepted)
		assert.Equal(t, *stateOf("alice"), f.fetch(t, alice).Data.State())
		assert.Equal(t, *stateOf("bob"), f.fetch(t, bob).Data.State())
		assert.False(t, f.fetch(t, alice).Metadata.ComputationQueued)
		assert.False(t, f.fetch(t, bob).Metadata.ComputationQueued)
	})

	t.Run("busy destination takes no lock", func(t *testing.T) {
		f, alice, bob, from, to := setup(t)
		require.NoError(t, f.program.Deposit(ctx, ledger.QueueArgs{Signer: bob, Vault: to, ComputationRef: uuid.NewString(), Input: sealedInput()}))
		err := f.program.Transfer(ctx, ledger.TransferArgs{Signer: alice, From: from, To: to, ComputationRef: uuid.NewString(), Input: sealedInput()})
		assert.ErrorIs(t, err, ledger.ErrOperationInFlight)
		assert.False(t, f.fetch(t, alice).Metadata.ComputationQueued)
	})

	t.Run("paused destination", func(t *testing.T) {
		f, alice, bob, from, to := setup(t)
		require.NoError(t, f.program.PauseVault(ctx, ledger.PauseArgs{Authority: bob, Vault: to, Paused: true}))
		err := f.program.Transfer(ctx, ledger.TransferArgs{Signer: alice, From: from, To: to, ComputationRef: uuid.NewString(), Input: sealedInput()})
		assert.ErrorIs(t, err, ledger.ErrVaultPaused)
	})

	t.Run("self transfer", func(t *testing.T) {
		f, alice, _, from, _ := setup(t)
		err := f.program.Transfer(ctx, ledger.TransferArgs{Signer: alice, From: from, To: from, ComputationRef: uuid.NewString(), Input: sealedInput()})
		assert.ErrorIs(t, err, ledger.ErrSelfTransfer)
	})

	t.Run("destination cannot sign", func(t *testing.T) {
		f, _, bob, from, to := setup(t)
		err := f.program.Transfer(ctx, ledger.TransferArgs{Signer: bob, From: from, To: to, ComputationRef: uuid.NewString(), Input: sealedInput()})
		assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	})
}

func TestPauseVault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	err := f.program.PauseVault(ctx, ledger.PauseArgs{Authority: newOwner(t), Vault: acc, Paused: true})
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.True(t, f.fetch(t, owner).Data.IsActive)

	require.NoError(t, f.program.PauseVault(ctx, ledger.PauseArgs{Authority: owner, Vault: acc, Paused: true}))
	assert.False(t, f.fetch(t, owner).Data.IsActive)

	args := ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: uuid.NewString(), Input: sealedInput()}
	assert.ErrorIs(t, f.program.Deposit(ctx, args), ledger.ErrVaultPaused)
	assert.ErrorIs(t, f.program.Withdraw(ctx, args), ledger.ErrVaultPaused)
	assert.ErrorIs(t, f.program.SubmitTradeIntent(ctx, args), ledger.ErrVaultPaused)
	assert.NoError(t, f.program.CheckBalanceSufficient(ctx, args))

	out := f.sign(t, types.ComputationResult{ComputationRef: args.ComputationRef, Operation: types.OperationCheckBalance, Accepted: true})
	_, err = f.program.CheckBalanceSufficientCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: args.ComputationRef, Output: out})
	require.NoError(t, err)

	require.NoError(t, f.program.PauseVault(ctx, ledger.PauseArgs{Authority: owner, Vault: acc, Paused: false}))
	args.ComputationRef = uuid.NewString()
	assert.NoError(t, f.program.Deposit(ctx, args))

	assert.Contains(t, f.sink.kinds(), ledger.EventVaultPaused)
}

func TestExecuteTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	for i, accepted := range []bool{true, false, true} {
		ref := uuid.NewString()
		require.NoError(t, f.program.SubmitTradeIntent(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
		out := f.sign(t, types.ComputationResult{
			ComputationRef: ref,
			Operation:      types.OperationExecuteTrade,
			Accepted:       accepted,
			Execution:      &types.ExecutionResult{Success: accepted},
		})
		s, err := f.program.ExecuteTradeCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
		require.NoError(t, err, "trade %d", i)
		assert.Equal(t, accepted, s.Accepted)
	}
	rec := f.fetch(t, owner)
	assert.Equal(t, uint64(2), rec.Data.ExecutionCount)
	assert.Equal(t, *stateOf("v0"), rec.Data.State())
}

func TestInvalidOutputKeepsVaultLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newOwner(t)
	f.initialize(t, owner, "v0")
	acc := f.accounts(t, owner)

	ref := uuid.NewString()
	require.NoError(t, f.program.Deposit(ctx, ledger.QueueArgs{Signer: owner, Vault: acc, ComputationRef: ref, Input: sealedInput()}))
	out := f.sign(t, types.ComputationResult{ComputationRef: ref, Operation: types.OperationDeposit, Accepted: true})
	_, err := f.program.DepositCallback(ctx, ledger.CallbackArgs{Signer: owner, Vault: acc, ComputationRef: ref, Output: out})
	assert.True(t, errors.Is(err, ledger.ErrInvalidOutput))
	assert.True(t, f.fetch(t, owner).Metadata.ComputationQueued)
}
