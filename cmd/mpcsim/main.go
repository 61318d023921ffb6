package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/shadowvault/api"
	"github.com/vultisig/shadowvault/config"
	"github.com/vultisig/shadowvault/internal/mpcsim"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/tasks"
)

func main() {
	cfg, err := config.ReadConfig("config-mpcsim")
	if err != nil {
		panic(err)
	}
	engine, err := newEngine(cfg.Simulator)
	if err != nil {
		panic(err)
	}
	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	if cfg.Redis.Host == "" {
		panic("redis.host is required for the job queue")
	}
	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOptions)
	defer func() {
		if err := client.Close(); err != nil {
			fmt.Println("fail to close asynq client,", err)
		}
	}()
	inspector := asynq.NewInspector(redisOptions)

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logrus.StandardLogger(),
			Concurrency: cfg.Simulator.Concurrency,
			Queues: map[string]int{
				tasks.QUEUE_NAME: 10,
			},
		},
	)
	worker := mpcsim.NewWorker(engine, sdClient)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeComputation, worker.HandleComputation)
	go func() {
		if err := srv.Run(mux); err != nil {
			panic(fmt.Errorf("could not run asynq server: %w", err))
		}
	}()

	logrus.WithFields(logrus.Fields{
		"port":            cfg.Server.Port,
		"redis":           redisOptions.Addr,
		"attestation_key": hex.EncodeToString(engine.AttestationKey()),
	}).Info("mpc simulator starting")

	queue := mpcsim.NewAsynqQueue(client, inspector, cfg.Simulator.Retention)
	server := api.NewServer(cfg.Server.Port, queue, cfg.MPC.ProjectID, cfg.MPC.APIKey, cfg.Server.RateLimit, sdClient)
	if err := server.StartServer(); err != nil {
		panic(err)
	}
}

func newEngine(cfg config.SimulatorConfig) (*mpcsim.Engine, error) {
	clusterKey, err := hex.DecodeString(cfg.ClusterKey)
	if err != nil {
		return nil, fmt.Errorf("fail to decode simulator.cluster_key, err: %w", err)
	}
	seed, err := hex.DecodeString(cfg.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("fail to decode simulator.signing_seed, err: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("simulator.signing_seed must be %d bytes", ed25519.SeedSize)
	}
	sessions := make([]*sealer.Session, 0, len(cfg.SessionKeys))
	for _, k := range cfg.SessionKeys {
		s, err := sealer.NewSessionFromHex(k)
		if err != nil {
			return nil, fmt.Errorf("fail to load simulator.session_keys, err: %w", err)
		}
		sessions = append(sessions, s)
	}
	return mpcsim.NewEngine(clusterKey, ed25519.NewKeyFromSeed(seed), sessions...)
}
