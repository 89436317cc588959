package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/advisory"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/api"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/audit"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/auth"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/causal"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/config"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/coordinator"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/fencing"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/observability"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/peer"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/quorum"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/signals"
)

// node is one fully wired coordinator process.
type node struct {
	cfg       *config.Config
	policy    *config.Policy
	db        *sql.DB
	ledger    *audit.Ledger
	telemetry *observability.Provider
	peers     *peer.Client
	pipeline  *coordinator.Pipeline
	server    *api.Server
	annotator *advisory.Annotator
	closers   []func() error
}

func buildNode(ctx context.Context, cfg *config.Config, policy *config.Policy) (_ *node, err error) {
	self := contracts.DomainID(cfg.Domain)
	if !slices.Contains(policy.DomainIDs(), self) {
		return nil, fmt.Errorf("domain %q is not in the policy (%v)", cfg.Domain, policy.DomainIDs())
	}
	if peers := policy.Peers(cfg.Domain); cfg.LiteMode() && len(peers) > 0 && !cfg.SharedLedger {
		return nil, fmt.Errorf("lite mode with %d peer domains needs one ledger for all of them: "+
			"set DATABASE_URL, or ENACTOR_SHARED_LEDGER=true if ENACTOR_DATA_DIR is shared", len(peers))
	}
	n := &node{cfg: cfg, policy: policy}
	defer func() {
		if err != nil {
			n.close(context.WithoutCancel(ctx))
		}
	}()

	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	keys, err := keySet(policy, signer)
	if err != nil {
		return nil, err
	}
	n.ledger, n.db, err = openLedger(ctx, cfg, signer, keys)
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.db.Close)

	n.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "enactord",
		ServiceVersion: version,
		Domain:         cfg.Domain,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSample,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        cfg.OTELEndpoint != "",
		Insecure:       cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	layer := isolation.NewLayer(policy.IsolationConfig())
	for _, d := range policy.DomainIDs() {
		layer.TrackDomain(d)
	}
	feed := signals.NewFeed()
	n.peers = peer.NewClient(self, policy.Peers(cfg.Domain), layer, policy.Isolation.Retry, policy.Quorum.VoteTimeout).
		WithSigner(auth.NewTokenSigner(self, signer.PrivateKey()))

	q, err := quorum.New(policy.QuorumConfig(), n.peers)
	if err != nil {
		return nil, err
	}

	target := execution.NewStateTarget()
	engine := execution.NewEngine(policy.ExecutionConfig(), peer.NewRouter(self, target, n.peers), feed, layer, n.ledger)

	var store fencing.EpochStore = fencing.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs := fencing.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		n.closers = append(n.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis epoch store: %w", err)
		}
		store = rs
		slog.Info("fencing epochs stored in redis", "addr", cfg.RedisAddr)
	}

	approvers, err := policy.Approvers()
	if err != nil {
		return nil, err
	}
	fo := failover.New(failover.Config{
		Self:     cfg.Domain,
		Domain:   self,
		Deadline: policy.Failover.Deadline,
		Policy:   policy.FailoverPolicy(),
	}, n.ledger, approvers)

	n.pipeline = coordinator.New(coordinator.Components{
		Domain:    self,
		Ledger:    n.ledger,
		Validator: causal.NewValidator(),
		Fencing:   fencing.NewAuthority(store),
		Quorum:    q,
		Engine:    engine,
		Isolation: layer,
		Failover:  fo,
		Signals:   feed,
		Telemetry: n.telemetry,
	})

	n.server, err = api.NewServer(n.pipeline, target, n.peers)
	if err != nil {
		return nil, err
	}
	n.server.WithPeerAuth(auth.NewJWTValidator(keys))
	if cfg.RateLimit > 0 {
		n.server.WithRateLimiter(api.NewRateLimiter(ctx, cfg.RateLimit, cfg.RateBurst))
	}

	n.annotator = advisory.NewAnnotator(n.ledger, advisory.NewRolloutHistoryScorer(), 256).
		WithGate(fo.Guard().Check)
	return n, nil
}

// heartbeatInterval beats three times per health-check deadline.
func (n *node) heartbeatInterval() time.Duration {
	return max(n.policy.Failover.Deadline/3, 100*time.Millisecond)
}

func (n *node) close(ctx context.Context) {
	if n.pipeline != nil {
		n.pipeline.Close()
	}
	if n.server != nil {
		n.server.Wait()
	}
	if n.telemetry != nil {
		if err := n.telemetry.Shutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}
	for _, c := range slices.Backward(n.closers) {
		if err := c(); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}
