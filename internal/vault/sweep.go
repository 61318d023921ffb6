package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/mpc"
	"github.com/vultisig/shadowvault/internal/types"
)

// SweepReport summarizes one recovery pass.
type SweepReport struct {
	Outcomes []*Outcome
	// Stale counts pending entries whose computation had already settled.
	Stale int
	// Waiting counts computations still running on the network.
	Waiting int
	// Fresh counts entries updated too recently to be considered abandoned.
	Fresh  int
	Errors []error
}

// Err joins every recovery failure of the pass.
func (r *SweepReport) Err() error {
	return errors.Join(r.Errors...)
}

// Sweep finishes computations that were queued on the ledger but never settled, for example
// because the process stopped while awaiting a result. Each pending computation is re-polled
// under its recorded job id, or resubmitted under the same computation reference when no job
// id was recorded or the job failed. Entries younger than the sweep's minimum age are skipped.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	pending, err := o.pending.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail to list pending computations, err: %w", err)
	}
	report := &SweepReport{}
	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		eg.SetLimit(o.concurrency)
	}
	for _, p := range pending {
		if o.fresh(p) {
			report.Fresh++
			continue
		}
		eg.Go(func() error {
			outcome, status, err := o.recoverPending(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Errors = append(report.Errors, fmt.Errorf("%s: %w", p.ComputationRef, err))
			case status == recoveryStale:
				report.Stale++
			case status == recoveryWaiting:
				report.Waiting++
			default:
				report.Outcomes = append(report.Outcomes, outcome)
			}
			return ctx.Err()
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}
	o.logger.WithFields(logrus.Fields{
		"settled": len(report.Outcomes),
		"stale":   report.Stale,
		"waiting": report.Waiting,
		"fresh":   report.Fresh,
		"failed":  len(report.Errors),
	}).Info("recovery sweep finished")
	return report, nil
}

type recoveryStatus int

const (
	recoverySettled recoveryStatus = iota
	recoveryStale
	recoveryWaiting
)

func (o *Orchestrator) recoverPending(ctx context.Context, p types.PendingComputation) (*Outcome, recoveryStatus, error) {
	op := o.resumeOperation(p)
	queued, err := o.stillQueued(ctx, p)
	if err != nil {
		return nil, 0, err
	}
	if !queued {
		op.logger.Info("pending computation already settled")
		return nil, recoveryStale, o.pending.DeletePending(ctx, p.ComputationRef)
	}

	if op.jobID == "" {
		if err := o.resubmit(ctx, op); err != nil {
			return nil, 0, err
		}
	} else if err := op.advance(StateAwaiting); err != nil {
		return nil, 0, err
	}

	outcome, err := o.await(ctx, op)
	switch {
	case err == nil:
		return outcome, recoverySettled, nil
	case errors.Is(err, mpc.ErrTimeout):
		return nil, recoveryWaiting, nil
	case errors.Is(err, mpc.ErrRemoteComputation), errors.Is(err, mpc.ErrMalformedResponse):
		op.logger.Warnf("job failed, resubmitting, err: %v", err)
		attempts := op.attempts
		op = o.resumeOperation(p)
		op.attempts = attempts
		if err := o.resubmit(ctx, op); err != nil {
			return nil, 0, err
		}
		outcome, err = o.await(ctx, op)
		if errors.Is(err, mpc.ErrTimeout) {
			return nil, recoveryWaiting, nil
		}
	}
	if errors.Is(err, ledger.ErrStaleComputation) {
		op.logger.Info("computation settled elsewhere")
		return nil, recoveryStale, o.pending.DeletePending(ctx, p.ComputationRef)
	}
	return outcome, recoverySettled, err
}

func (o *Orchestrator) fresh(p types.PendingComputation) bool {
	last := p.UpdatedAt
	if last.IsZero() {
		last = p.CreatedAt
	}
	return o.now().Sub(last) < o.minAge
}

// stillQueued reports whether the ledger still holds p's computation reference.
func (o *Orchestrator) stillQueued(ctx context.Context, p types.PendingComputation) (bool, error) {
	rec, err := o.ledger.FetchVault(ctx, p.Owner)
	if errors.Is(err, ledger.ErrVaultNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Metadata.ComputationQueued && rec.Metadata.PendingComputation == p.ComputationRef, nil
}

// resubmit sends op's stored input to the network again under the same computation reference.
func (o *Orchestrator) resubmit(ctx context.Context, op *operation) error {
	if op.attempts >= o.maxAttempts {
		return fmt.Errorf("gave up after %d attempts", op.attempts)
	}
	op.attempts++
	op.jobID = ""
	if err := o.savePending(ctx, op); err != nil {
		return fmt.Errorf("fail to record attempt, err: %w", err)
	}
	return o.submit(ctx, op)
}

// RunSweeper sweeps every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := o.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Errorf("fail to sweep pending computations, err: %v", err)
		} else if err := report.Err(); err != nil {
			o.logger.Warnf("some pending computations could not be recovered, err: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
