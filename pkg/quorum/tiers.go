package quorum

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
)

// Tier raises or lowers the threshold for proposals matching a CEL
// expression over `proposal` (resource_key, desired_value, issuing_domain,
// criticality, dependency_count).
type Tier struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Threshold  int    `yaml:"threshold"`
}

type compiledTier struct {
	Tier
	prg cel.Program
}

// TierClassifier resolves the threshold for a proposal. The first matching
// tier wins.
type TierClassifier struct {
	tiers    []compiledTier
	fallback int
}

// NewTierClassifier compiles every tier up front so a bad expression fails
// at startup rather than mid-vote.
func NewTierClassifier(tiers []Tier, fallback, domains int) (*TierClassifier, error) {
	env, err := cel.NewEnv(cel.Variable("proposal", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	tc := &TierClassifier{fallback: fallback}
	for _, t := range tiers {
		if t.Threshold < 1 || t.Threshold > domains {
			return nil, fmt.Errorf("tier %q: threshold %d outside 1..%d", t.Name, t.Threshold, domains)
		}
		ast, issues := env.Compile(t.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("tier %q: compile: %w", t.Name, issues.Err())
		}
		prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("tier %q: program: %w", t.Name, err)
		}
		tc.tiers = append(tc.tiers, compiledTier{Tier: t, prg: prg})
	}
	return tc, nil
}

// Threshold returns the tier name and threshold for p. A tier whose
// expression errors or yields a non-boolean does not match.
func (tc *TierClassifier) Threshold(p contracts.Proposal) (string, int) {
	input := map[string]any{
		"proposal": map[string]any{
			"resource_key":     p.ResourceKey,
			"desired_value":    p.DesiredValue,
			"issuing_domain":   string(p.IssuingDomain),
			"criticality":      p.Criticality,
			"dependency_count": int64(len(p.DeclaredDependencies)),
		},
	}
	for _, t := range tc.tiers {
		out, _, err := t.prg.Eval(input)
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return t.Name, t.Threshold
		}
	}
	return "default", tc.fallback
}
