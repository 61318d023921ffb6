package types

import (
	"errors"
	"fmt"
)

const MaxSlippageBps = 10000

// TradeIntent is a private order sealed on the device and evaluated by the network.
type TradeIntent struct {
	User           Identity `json:"user"`
	TokenIn        string   `json:"tokenIn"`
	TokenOut       string   `json:"tokenOut"`
	Amount         uint64   `json:"amount,string"`
	MaxSlippageBps uint16   `json:"maxSlippageBps"`
	StrategyType   uint8    `json:"strategyType"`
	Timestamp      int64    `json:"timestamp"`
}

func (t TradeIntent) IsValid() error {
	if err := t.User.IsValid(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	if t.TokenIn == "" || t.TokenOut == "" {
		return errors.New("token in and token out are required")
	}
	if t.TokenIn == t.TokenOut {
		return errors.New("token in and token out must differ")
	}
	if t.Amount == 0 {
		return errors.New("amount must be greater than zero")
	}
	if t.MaxSlippageBps > MaxSlippageBps {
		return fmt.Errorf("max slippage %d bps exceeds %d", t.MaxSlippageBps, MaxSlippageBps)
	}
	return nil
}

// ExecutionResult is the network's verdict on a trade intent.
type ExecutionResult struct {
	ExecutedAmount uint64 `json:"executedAmount,string"`
	ReceivedAmount uint64 `json:"receivedAmount,string"`
	Success        bool   `json:"success"`
	Timestamp      int64  `json:"timestamp"`
}
