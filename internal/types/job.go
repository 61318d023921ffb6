package types

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vultisig/shadowvault/internal/sealer"
)

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) IsValid() error {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return nil
	}
	return fmt.Errorf("unknown job status %q", string(s))
}

// ComputationJob is the network's view of a submitted computation.
type ComputationJob struct {
	JobID  string                `json:"jobId"`
	Status JobStatus             `json:"status"`
	Result *sealer.SealedPayload `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// JobRequest is the body submitted to the computation network.
type JobRequest struct {
	ComputationRef string                `json:"computationRef"`
	Operation      Operation             `json:"operation"`
	KeyID          string                `json:"keyId"`
	Input          *sealer.SealedPayload `json:"input"`
	Source         *EncryptedState       `json:"source,omitempty"`
	Destination    *EncryptedState       `json:"destination,omitempty"`
}

func (r JobRequest) IsValid() error {
	if r.ComputationRef == "" {
		return errors.New("computation reference is required")
	}
	if err := r.Operation.IsValid(); err != nil {
		return err
	}
	if r.KeyID == "" {
		return errors.New("key id is required")
	}
	if r.Input == nil {
		return errors.New("sealed input is required")
	}
	switch r.Operation {
	case OperationInitialize:
	case OperationTransfer:
		if r.Source == nil || r.Destination == nil {
			return errors.New("transfer requires source and destination state")
		}
	default:
		if r.Source == nil {
			return fmt.Errorf("%s requires source state", r.Operation)
		}
	}
	return nil
}

// PendingComputation tracks a queued computation until it settles, so a restarted
// process can resume the wait instead of leaving the vault locked.
type PendingComputation struct {
	ComputationRef string                `json:"computation_ref"`
	Operation      Operation             `json:"operation"`
	Owner          Identity              `json:"owner"`
	Counterparty   Identity              `json:"counterparty,omitempty"`
	JobID          string                `json:"job_id,omitempty"`
	Input          *sealer.SealedPayload `json:"input"`
	Attempts       int                   `json:"attempts"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// SortPending orders pending computations oldest first.
func SortPending(p []PendingComputation) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].CreatedAt.Equal(p[j].CreatedAt) {
			return p[i].ComputationRef < p[j].ComputationRef
		}
		return p[i].CreatedAt.Before(p[j].CreatedAt)
	})
}
