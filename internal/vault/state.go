package vault

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/types"
)

var ErrIllegalTransition = errors.New("illegal operation state transition")

// State is where an operation instance is in the queue, await, settle cycle.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateAwaiting
	StateSettling
	StateSettled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateAwaiting:
		return "awaiting"
	case StateSettling:
		return "settling"
	case StateSettled:
		return "settled"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateRejected
}

var transitions = map[State][]State{
	StateIdle:     {StateQueued},
	StateQueued:   {StateAwaiting},
	StateAwaiting: {StateSettling},
	StateSettling: {StateSettled, StateRejected},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// operation is one run of a vault operation, from the queue instruction to its settlement.
type operation struct {
	kind         types.Operation
	ref          string
	owner        types.Identity
	counterparty types.Identity
	input        *sealer.SealedPayload
	jobID        string
	attempts     int
	state        State
	started      time.Time
	logger       *logrus.Entry
}

func (op *operation) advance(next State) error {
	if !canTransition(op.state, next) {
		return fmt.Errorf("%w: %s -> %s (%s %s)", ErrIllegalTransition, op.state, next, op.kind, op.ref)
	}
	op.logger.WithFields(logrus.Fields{
		"from": op.state.String(),
		"to":   next.String(),
	}).Debug("operation state changed")
	op.state = next
	return nil
}

func (op *operation) pending() types.PendingComputation {
	return types.PendingComputation{
		ComputationRef: op.ref,
		Operation:      op.kind,
		Owner:          op.owner,
		Counterparty:   op.counterparty,
		JobID:          op.jobID,
		Input:          op.input,
		Attempts:       op.attempts,
		CreatedAt:      op.started.UTC(),
	}
}

// Reason explains a rejected outcome.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonRejected            Reason = "rejected"
)

// Outcome is the settled result of one operation. A rejection is a normal result, not an error.
type Outcome struct {
	ComputationRef string                 `json:"computation_ref"`
	JobID          string                 `json:"job_id"`
	Operation      types.Operation        `json:"operation"`
	State          State                  `json:"state"`
	Accepted       bool                   `json:"accepted"`
	Reason         Reason                 `json:"reason,omitempty"`
	Execution      *types.ExecutionResult `json:"execution,omitempty"`
}

func rejectionReason(result types.ComputationResult) Reason {
	if result.Overflow {
		return ReasonRejected
	}
	switch result.Operation {
	case types.OperationWithdraw, types.OperationTransfer, types.OperationCheckBalance, types.OperationExecuteTrade:
		return ReasonInsufficientBalance
	}
	return ReasonRejected
}
