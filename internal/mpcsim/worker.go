package mpcsim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/contexthelper"
	"github.com/vultisig/shadowvault/internal/types"
)

type WorkerService struct {
	engine   *Engine
	sdClient statsd.ClientInterface
	logger   *logrus.Logger
}

// NewWorker creates the asynq handler side of the simulator.
func NewWorker(engine *Engine, sdClient statsd.ClientInterface) *WorkerService {
	return &WorkerService{
		engine:   engine,
		sdClient: sdClient,
		logger:   logrus.WithField("service", "mpcsim-worker").Logger,
	}
}

func (s *WorkerService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *WorkerService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// HandleComputation evaluates one job. Circuit failures are deterministic so they skip retry.
func (s *WorkerService) HandleComputation(ctx context.Context, t *asynq.Task) error {
	if err := contexthelper.CheckCancellation(ctx); err != nil {
		return err
	}
	defer s.measureTime("mpcsim.job.latency", time.Now(), []string{})

	var req types.JobRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		s.incCounter("mpcsim.job.error", []string{"reason:decode"})
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	logger := s.logger.WithFields(logrus.Fields{
		"computation_ref": req.ComputationRef,
		"operation":       req.Operation,
	})
	tags := []string{"operation:" + req.Operation.String()}

	result, err := s.engine.Execute(req)
	if err != nil {
		s.incCounter("mpcsim.job.error", tags)
		logger.Errorf("circuit failed, err: %v", err)
		return fmt.Errorf("circuit failed: %v: %w", err, asynq.SkipRetry)
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("json.Marshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if _, err := t.ResultWriter().Write(buf); err != nil {
		return fmt.Errorf("t.ResultWriter.Write failed: %v: %w", err, asynq.SkipRetry)
	}
	s.incCounter("mpcsim.job.completed", tags)
	logger.Info("computation completed")
	return nil
}
