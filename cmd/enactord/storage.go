package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/config"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
)

// loadPolicy reads the policy file, falling back to the built-in default
// when the file does not exist.
func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	p, err := config.LoadPolicy(cfg.PolicyFile)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("policy file not found, using defaults", "path", cfg.PolicyFile)
		return config.DefaultPolicy(), nil
	}
	return p, err
}

// loadSigner derives the domain key from ENACTOR_KEY_SEED. Without a seed
// the key is ephemeral and entries cannot be verified after a restart.
func loadSigner(cfg *config.Config) (*crypto.Ed25519Signer, error) {
	if cfg.KeySeed == "" {
		slog.Warn("ENACTOR_KEY_SEED not set, using an ephemeral ledger key")
		return crypto.NewEd25519Signer(crypto.DomainKeyID(cfg.Domain))
	}
	seed, err := crypto.ParseSeed(cfg.KeySeed)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveDomainSigner(seed, cfg.Domain)
}

// keySet holds every configured domain key plus this process's own.
func keySet(policy *config.Policy, signer crypto.Signer) (*crypto.KeySet, error) {
	keys, err := policy.DomainKeys()
	if err != nil {
		return nil, err
	}
	ks := crypto.NewKeySet()
	for id, k := range keys {
		ks.Add(id, k)
	}
	ks.AddSigner(signer)
	return ks, nil
}

// openLedger opens the SQLite ledger under DataDir in lite mode and the
// Postgres ledger otherwise.
func openLedger(ctx context.Context, cfg *config.Config, signer crypto.Signer, keys *crypto.KeySet) (*audit.Ledger, *sql.DB, error) {
	var (
		db      *sql.DB
		dialect audit.Dialect
		err     error
	)
	if cfg.LiteMode() {
		if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		path := filepath.Join(cfg.DataDir, "enactor.db")
		slog.Info("lite mode: using sqlite ledger", "path", path)
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		dialect = audit.DialectSQLite
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		dialect = audit.DialectPostgres
	}

	backend := audit.NewSQLBackend(db, dialect)
	if err := backend.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init ledger: %w", err)
	}
	return audit.New(backend, signer, audit.WithKeySet(keys)), db, nil
}

// openReadOnly loads configuration and opens the ledger for the offline
// subcommands.
func openReadOnly(ctx context.Context) (*config.Config, *config.Policy, *audit.Ledger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	keys, err := keySet(policy, signer)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ledger, db, err := openLedger(ctx, cfg, signer, keys)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, policy, ledger, func() { _ = db.Close() }, nil
}
