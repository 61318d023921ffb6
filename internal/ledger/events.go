package ledger

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/internal/types"
)

type EventKind string

const (
	EventVaultInitialized EventKind = "vault_initialized"
	EventDeposited        EventKind = "deposited"
	EventWithdrawn        EventKind = "withdrawn"
	EventTransferred      EventKind = "transferred"
	EventBalanceChecked   EventKind = "balance_checked"
	EventTradeExecuted    EventKind = "trade_executed"
	EventVaultPaused      EventKind = "vault_paused"
)

// Event is emitted after a settle or pause commits. Amounts never appear in events.
type Event struct {
	Kind           EventKind
	Vault          types.Identity
	Counterparty   types.Identity
	ComputationRef string
	Accepted       bool
	Paused         bool
	Timestamp      time.Time
}

type EventSink interface {
	Emit(Event)
}

// LogSink writes events to a logrus logger.
type LogSink struct {
	logger *logrus.Logger
}

func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	fields := logrus.Fields{
		"event":     e.Kind,
		"vault":     e.Vault,
		"timestamp": e.Timestamp.Unix(),
	}
	if e.ComputationRef != "" {
		fields["computation_ref"] = e.ComputationRef
		fields["accepted"] = e.Accepted
	}
	if e.Counterparty != "" {
		fields["counterparty"] = e.Counterparty
	}
	if e.Kind == EventVaultPaused {
		fields["paused"] = e.Paused
	}
	s.logger.WithFields(fields).Info("vault event")
}
