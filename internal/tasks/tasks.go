package tasks

import (
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/vultisig/shadowvault/internal/types"
)

const (
	TypeComputation = "mpc:computation"
	QUEUE_NAME      = "mpc"
)

var ErrTaskNotFound = errors.New("task not found")

func NewComputation(req types.JobRequest) (*asynq.Task, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeComputation, payload), nil
}

// JobStatus maps an asynq task state to the job status the network API reports.
func JobStatus(state asynq.TaskState) types.JobStatus {
	switch state {
	case asynq.TaskStateActive, asynq.TaskStateRetry:
		return types.JobStatusProcessing
	case asynq.TaskStateCompleted:
		return types.JobStatusCompleted
	case asynq.TaskStateArchived:
		return types.JobStatusFailed
	default:
		return types.JobStatusQueued
	}
}
