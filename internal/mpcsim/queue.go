package mpcsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/tasks"
	"github.com/vultisig/shadowvault/internal/types"
)

// Queue accepts computation jobs and reports their progress.
type Queue interface {
	Enqueue(ctx context.Context, req types.JobRequest) (string, error)
	Lookup(ctx context.Context, jobID string) (*types.ComputationJob, error)
}

// MemoryQueue runs jobs on goroutines inside the process.
type MemoryQueue struct {
	engine *Engine
	delay  time.Duration

	mu   sync.RWMutex
	jobs map[string]*types.ComputationJob
}

// NewMemoryQueue evaluates each job after delay.
func NewMemoryQueue(engine *Engine, delay time.Duration) *MemoryQueue {
	return &MemoryQueue{
		engine: engine,
		delay:  delay,
		jobs:   make(map[string]*types.ComputationJob),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, req types.JobRequest) (string, error) {
	if err := req.IsValid(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	q.mu.Lock()
	q.jobs[id] = &types.ComputationJob{JobID: id, Status: types.JobStatusQueued}
	q.mu.Unlock()

	go func() {
		if q.delay > 0 {
			time.Sleep(q.delay)
		}
		q.set(id, func(j *types.ComputationJob) { j.Status = types.JobStatusProcessing })
		result, err := q.engine.Execute(req)
		q.set(id, func(j *types.ComputationJob) {
			if err != nil {
				j.Status = types.JobStatusFailed
				j.Error = err.Error()
				return
			}
			j.Status = types.JobStatusCompleted
			j.Result = result
		})
	}()
	return id, nil
}

func (q *MemoryQueue) set(id string, fn func(*types.ComputationJob)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		fn(j)
	}
}

func (q *MemoryQueue) Lookup(ctx context.Context, jobID string) (*types.ComputationJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", jobID, tasks.ErrTaskNotFound)
	}
	out := *j
	return &out, nil
}

// AsynqQueue hands jobs to asynq workers through Redis.
type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	retention time.Duration
}

func NewAsynqQueue(client *asynq.Client, inspector *asynq.Inspector, retention time.Duration) *AsynqQueue {
	return &AsynqQueue{
		client:    client,
		inspector: inspector,
		retention: retention,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, req types.JobRequest) (string, error) {
	if err := req.IsValid(); err != nil {
		return "", err
	}
	task, err := tasks.NewComputation(req)
	if err != nil {
		return "", fmt.Errorf("fail to create task, err: %w", err)
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(uuid.NewString()),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(q.retention),
		asynq.Queue(tasks.QUEUE_NAME))
	if err != nil {
		return "", fmt.Errorf("fail to enqueue task, err: %w", err)
	}
	return info.ID, nil
}

func (q *AsynqQueue) Lookup(ctx context.Context, jobID string) (*types.ComputationJob, error) {
	info, err := q.inspector.GetTaskInfo(tasks.QUEUE_NAME, jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, fmt.Errorf("%s: %w", jobID, tasks.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("fail to get task info, err: %w", err)
	}
	job := &types.ComputationJob{
		JobID:  info.ID,
		Status: tasks.JobStatus(info.State),
	}
	switch job.Status {
	case types.JobStatusCompleted:
		var result sealer.SealedPayload
		if err := json.Unmarshal(info.Result, &result); err != nil {
			job.Status = types.JobStatusFailed
			job.Error = fmt.Sprintf("corrupt task result: %v", err)
			break
		}
		job.Result = &result
	case types.JobStatusFailed:
		job.Error = info.LastErr
	}
	return job, nil
}
