package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/quorum"
)

// SupportedPolicyVersions is the range of policy file versions this build
// understands.
const SupportedPolicyVersions = ">= 1.0.0, < 2.0.0"

var ErrInvalidPolicy = errors.New("invalid policy")

// DomainSpec is one failure domain.
type DomainSpec struct {
	ID      string `yaml:"id"`
	PeerURL string `yaml:"peer_url,omitempty"`
	// PublicKey is the hex ed25519 key that signs the domain's ledger
	// entries and its promotion approvals.
	PublicKey string `yaml:"public_key,omitempty"`
}

type QuorumPolicy struct {
	Threshold      int                   `yaml:"threshold"`
	VoteTimeout    time.Duration         `yaml:"vote_timeout"`
	ConflictPolicy quorum.ConflictPolicy `yaml:"conflict_policy"`
	IssuerApproves *bool                 `yaml:"issuer_approves,omitempty"`
	Tiers          []quorum.Tier         `yaml:"tiers,omitempty"`
}

type RolloutPolicy struct {
	CanarySize       int                   `yaml:"canary_size"`
	ValidationWindow time.Duration         `yaml:"validation_window"`
	PollInterval     time.Duration         `yaml:"poll_interval"`
	Velocity         float64               `yaml:"velocity"`
	Guardrails       []contracts.Guardrail `yaml:"guardrails,omitempty"`
}

type IsolationPolicy struct {
	Breaker       isolation.BreakerConfig `yaml:"breaker"`
	MaxConcurrent int                     `yaml:"max_concurrent"`
	QueueDepth    int                     `yaml:"queue_depth"`
	Retry         isolation.BackoffPolicy `yaml:"retry"`
}

type ApproverSpec struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"`
}

type FailoverPolicy struct {
	Mode              failover.Mode  `yaml:"mode"`
	RequiredApprovals int            `yaml:"required_approvals"`
	SeverityThreshold int            `yaml:"severity_threshold"`
	Deadline          time.Duration  `yaml:"deadline"`
	Approvers         []ApproverSpec `yaml:"approvers,omitempty"`
}

// Policy is the coordination policy shared by every domain.
type Policy struct {
	Version   string          `yaml:"version"`
	Domains   []DomainSpec    `yaml:"domains"`
	Quorum    QuorumPolicy    `yaml:"quorum"`
	Rollout   RolloutPolicy   `yaml:"rollout"`
	Isolation IsolationPolicy `yaml:"isolation"`
	Failover  FailoverPolicy  `yaml:"failover"`
}

// DefaultPolicy is three domains with a 2-of-3 quorum.
func DefaultPolicy() *Policy {
	issuer := true
	return &Policy{
		Version: "1.0.0",
		Domains: []DomainSpec{{ID: "us-east"}, {ID: "eu-west"}, {ID: "ap-south"}},
		Quorum: QuorumPolicy{
			Threshold:      2,
			VoteTimeout:    5 * time.Second,
			ConflictPolicy: quorum.ConflictReject,
			IssuerApproves: &issuer,
		},
		Rollout: RolloutPolicy{
			CanarySize:       1,
			ValidationWindow: 30 * time.Second,
			PollInterval:     time.Second,
			Velocity:         1,
		},
		Isolation: IsolationPolicy{
			Breaker:       isolation.DefaultBreakerConfig(),
			MaxConcurrent: 8,
			QueueDepth:    16,
			Retry:         isolation.DefaultBackoffPolicy(),
		},
		Failover: FailoverPolicy{
			Mode:              failover.ModeHuman,
			RequiredApprovals: 1,
			Deadline:          15 * time.Second,
		},
	}
}

// LoadPolicy reads path, fills unset fields from DefaultPolicy and
// validates the result.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	p.Domains = nil
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(p.Domains) == 0 {
		p.Domains = DefaultPolicy().Domains
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects policies that can never reach a decision or that this
// build does not understand.
func (p *Policy) Validate() error {
	constraint, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalidPolicy, p.Version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: version %s does not satisfy %s", ErrInvalidPolicy, v, SupportedPolicyVersions)
	}

	seen := make(map[string]bool)
	for _, d := range p.Domains {
		if d.ID == "" {
			return fmt.Errorf("%w: domain with empty id", ErrInvalidPolicy)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate domain %q", ErrInvalidPolicy, d.ID)
		}
		seen[d.ID] = true
		if d.PublicKey != "" {
			if _, err := decodeKey(d.PublicKey); err != nil {
				return fmt.Errorf("%w: domain %q: %w", ErrInvalidPolicy, d.ID, err)
			}
		}
	}

	q := p.Quorum
	if q.Threshold < 1 || q.Threshold > len(p.Domains) {
		return fmt.Errorf("%w: threshold %d with %d domains", ErrInvalidPolicy, q.Threshold, len(p.Domains))
	}
	for _, t := range q.Tiers {
		if t.Threshold < 1 || t.Threshold > len(p.Domains) {
			return fmt.Errorf("%w: tier %q threshold %d with %d domains", ErrInvalidPolicy, t.Name, t.Threshold, len(p.Domains))
		}
	}
	if _, err := quorum.NewTierClassifier(q.Tiers, q.Threshold, len(p.Domains)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	if !slices.Contains([]quorum.ConflictPolicy{quorum.ConflictReject, quorum.ConflictWait}, q.ConflictPolicy) {
		return fmt.Errorf("%w: conflict policy %q", ErrInvalidPolicy, q.ConflictPolicy)
	}

	r := p.Rollout
	switch {
	case q.VoteTimeout <= 0:
		return fmt.Errorf("%w: vote_timeout must be positive", ErrInvalidPolicy)
	case r.CanarySize < 1 || r.CanarySize > len(p.Domains):
		return fmt.Errorf("%w: canary_size %d with %d domains", ErrInvalidPolicy, r.CanarySize, len(p.Domains))
	case r.ValidationWindow < 0 || r.PollInterval <= 0:
		return fmt.Errorf("%w: negative validation window or poll interval", ErrInvalidPolicy)
	case r.Velocity <= 0:
		return fmt.Errorf("%w: velocity must be positive", ErrInvalidPolicy)
	}
	for _, g := range r.Guardrails {
		if g.Signal == "" || (g.Min == nil && g.Max == nil) {
			return fmt.Errorf("%w: guardrail %q needs a signal and a bound", ErrInvalidPolicy, g.Signal)
		}
	}

	b := p.Isolation.Breaker
	if b.MaxFailures < 1 || b.ResetTimeout < 0 || b.HalfOpenMax < 1 {
		return fmt.Errorf("%w: breaker %+v", ErrInvalidPolicy, b)
	}

	f := p.Failover
	switch f.Mode {
	case failover.ModeHuman, failover.ModeQuorum, failover.ModeSeverity:
	default:
		return fmt.Errorf("%w: failover mode %q", ErrInvalidPolicy, f.Mode)
	}
	if f.Mode == failover.ModeQuorum && f.RequiredApprovals > len(p.Domains) {
		return fmt.Errorf("%w: %d approvals required from %d domains", ErrInvalidPolicy, f.RequiredApprovals, len(p.Domains))
	}
	if f.Deadline <= 0 {
		return fmt.Errorf("%w: failover deadline must be positive", ErrInvalidPolicy)
	}
	for _, a := range f.Approvers {
		if _, err := decodeKey(a.PublicKey); err != nil {
			return fmt.Errorf("%w: approver %q: %w", ErrInvalidPolicy, a.ID, err)
		}
	}
	return nil
}

func decodeKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes", len(b))
	}
	return ed25519.PublicKey(b), nil
}

// DomainIDs returns the configured domains in file order.
func (p *Policy) DomainIDs() []contracts.DomainID {
	out := make([]contracts.DomainID, len(p.Domains))
	for i, d := range p.Domains {
		out[i] = contracts.DomainID(d.ID)
	}
	return out
}

// Peers maps domains to their peer URLs, skipping self and domains
// without one.
func (p *Policy) Peers(self string) map[contracts.DomainID]string {
	out := make(map[contracts.DomainID]string)
	for _, d := range p.Domains {
		if d.ID != self && d.PeerURL != "" {
			out[contracts.DomainID(d.ID)] = d.PeerURL
		}
	}
	return out
}

func (p *Policy) QuorumConfig() quorum.Config {
	issuer := p.Quorum.IssuerApproves == nil || *p.Quorum.IssuerApproves
	return quorum.Config{
		Domains:        p.DomainIDs(),
		Threshold:      p.Quorum.Threshold,
		Tiers:          p.Quorum.Tiers,
		VoteTimeout:    p.Quorum.VoteTimeout,
		ConflictPolicy: p.Quorum.ConflictPolicy,
		IssuerApproves: issuer,
	}
}

func (p *Policy) ExecutionConfig() execution.Config {
	return execution.Config{
		Domains:          p.DomainIDs(),
		CanarySize:       p.Rollout.CanarySize,
		ValidationWindow: p.Rollout.ValidationWindow,
		PollInterval:     p.Rollout.PollInterval,
		Velocity:         p.Rollout.Velocity,
		Guardrails:       p.Rollout.Guardrails,
	}
}

func (p *Policy) IsolationConfig() isolation.Config {
	return isolation.Config{
		Breaker:       p.Isolation.Breaker,
		MaxConcurrent: p.Isolation.MaxConcurrent,
		QueueDepth:    p.Isolation.QueueDepth,
		Guardrails:    p.Rollout.Guardrails,
	}
}

func (p *Policy) FailoverPolicy() failover.Policy {
	return failover.Policy{
		Mode:              p.Failover.Mode,
		RequiredApprovals: p.Failover.RequiredApprovals,
		SeverityThreshold: p.Failover.SeverityThreshold,
		Domains:           p.DomainIDs(),
	}
}

// Approvers builds the promotion approver registry. Domains with a public
// key approve under their domain id.
func (p *Policy) Approvers() (*failover.Approvers, error) {
	reg := failover.NewApprovers()
	for _, d := range p.Domains {
		if d.PublicKey == "" {
			continue
		}
		k, err := decodeKey(d.PublicKey)
		if err != nil {
			return nil, err
		}
		reg.Register(d.ID, k)
	}
	for _, a := range p.Failover.Approvers {
		k, err := decodeKey(a.PublicKey)
		if err != nil {
			return nil, err
		}
		reg.Register(a.ID, k)
	}
	return reg, nil
}

// DomainKeys returns the ledger verification keys of every domain with a
// configured public key, keyed by the ledger key id.
func (p *Policy) DomainKeys() (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey)
	for _, d := range p.Domains {
		if d.PublicKey == "" {
			continue
		}
		k, err := decodeKey(d.PublicKey)
		if err != nil {
			return nil, err
		}
		out[crypto.DomainKeyID(d.ID)] = k
	}
	return out, nil
}
