package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vultisig/shadowvault/config"
	"github.com/vultisig/shadowvault/internal/address"
	"github.com/vultisig/shadowvault/internal/ledger"
	"github.com/vultisig/shadowvault/internal/mpc"
	"github.com/vultisig/shadowvault/internal/sealer"
	"github.com/vultisig/shadowvault/internal/vault"
	"github.com/vultisig/shadowvault/storage"
	"github.com/vultisig/shadowvault/storage/postgres"
)

// runtime holds everything a command needs. close releases it.
type runtime struct {
	cfg      *config.Config
	program  *ledger.Program
	orch     *vault.Orchestrator
	session  *sealer.Session
	db       storage.DatabaseStorage
	receipts *storage.BlockStorage
	closers  []func() error
	logger   *logrus.Logger
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.GlobalString("config"); path != "" {
		return config.ReadConfigFile(path)
	}
	return config.ReadConfig("config")
}

func programID(cfg *config.Config) (address.Address, error) {
	id, err := address.Parse(cfg.Ledger.ProgramID)
	if err != nil {
		return address.Address{}, fmt.Errorf("invalid ledger.program_id: %w", err)
	}
	return id, nil
}

// attestationKey decodes the network's hex ed25519 public key. Settles are never applied unverified.
func attestationKey(raw string) (ed25519.PublicKey, error) {
	if raw == "" {
		return nil, errors.New("ledger.attestation_key is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, errors.New("ledger.attestation_key must be a hex encoded ed25519 public key")
	}
	return ed25519.PublicKey(key), nil
}

func newSession(cfg config.SessionConfig) (*sealer.Session, error) {
	switch {
	case cfg.KeyHex != "":
		return sealer.NewSessionFromHex(cfg.KeyHex)
	case cfg.Passphrase != "":
		return sealer.NewSessionFromPassphrase(cfg.Passphrase, []byte(cfg.Salt))
	}
	return nil, errors.New("session.key_hex or session.passphrase is required")
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:    cfg,
		logger: logrus.WithField("service", "shadowvault").Logger,
	}
	if err := rt.build(); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build() error {
	cfg := rt.cfg
	id, err := programID(cfg)
	if err != nil {
		return err
	}

	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "postgres":
		db, err := postgres.NewPostgresBackend(false, cfg.Ledger.DSN)
		if err != nil {
			return fmt.Errorf("fail to connect to postgres, err: %w", err)
		}
		rt.db = db
		rt.closers = append(rt.closers, db.Close)
		store = db
	case "memory":
		rt.logger.Warn("memory ledger backend does not persist between runs")
		store = ledger.NewMemoryStore()
	default:
		return fmt.Errorf("unknown ledger.backend %q", cfg.Ledger.Backend)
	}

	key, err := attestationKey(cfg.Ledger.AttestationKey)
	if err != nil {
		return err
	}
	if rt.program, err = ledger.NewProgram(id, store, key); err != nil {
		return fmt.Errorf("fail to create ledger program, err: %w", err)
	}

	pending, err := rt.pendingStore(cfg.Redis)
	if err != nil {
		return err
	}

	var sdClient statsd.ClientInterface = &statsd.NoOpClient{}
	if cfg.Datadog.Host != "" {
		client, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
		if err != nil {
			return fmt.Errorf("fail to create statsd client, err: %w", err)
		}
		rt.closers = append(rt.closers, client.Close)
		sdClient = client
	}

	rt.session, err = newSession(cfg.Session)
	if err != nil {
		return err
	}
	coordinator, err := mpc.NewClient(cfg.MPC)
	if err != nil {
		return err
	}

	opts := []vault.Option{
		vault.WithStatsd(sdClient),
		vault.WithTimeout(cfg.MPC.Timeout),
		vault.WithMaxAttempts(cfg.Sweep.MaxAttempts),
		vault.WithSweepConcurrency(cfg.Sweep.Concurrency),
		vault.WithSweepMinAge(cfg.Sweep.MinAge),
	}
	if cfg.Sweep.MinAge <= cfg.MPC.Timeout {
		rt.logger.Warnf("sweep.min_age %s does not exceed mpc.timeout %s, the sweep may resubmit computations still being awaited", cfg.Sweep.MinAge, cfg.MPC.Timeout)
	}
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(cfg.BlockStorage)
		if err != nil {
			return fmt.Errorf("fail to create block storage, err: %w", err)
		}
		rt.receipts = blockStorage
		opts = append(opts, vault.WithReceipts(blockStorage))
	}
	rt.orch, err = vault.NewOrchestrator(rt.program, coordinator, rt.session, pending, opts...)
	return err
}

// pendingStore uses redis when redis.host is set and an in-process store otherwise.
func (rt *runtime) pendingStore(cfg config.RedisConfig) (vault.PendingStore, error) {
	if cfg.Host == "" {
		rt.logger.Warn("redis.host is not set, pending computations are kept in memory only")
		return storage.NewMemoryPendingStore(), nil
	}
	redisStorage, err := storage.NewRedisStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("fail to connect to redis, err: %w", err)
	}
	rt.closers = append(rt.closers, redisStorage.Close)
	return redisStorage, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Errorf("fail to close resource, err: %v", err)
		}
	}
}
