package coordinator

import (
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/causal"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/quorum"
)

// Ledger payloads written by the pipeline. Stage, rollback and completion
// payloads belong to the execution package; commit payloads are
// contracts.CommitRecord.

type ValidationRecord struct {
	ProposalID string            `json:"proposal_id"`
	Assignment causal.Assignment `json:"assignment"`
}

type RejectionRecord struct {
	ProposalID  string         `json:"proposal_id"`
	ResourceKey string         `json:"resource_key"`
	Stage       string         `json:"stage"`
	Code        contracts.Code `json:"code"`
	Reason      string         `json:"reason"`
}

type TokenRecord struct {
	ProposalID string                 `json:"proposal_id"`
	Token      contracts.FencingToken `json:"token"`
}

type VoteRecord struct {
	Vote  contracts.Vote `json:"vote"`
	Tally quorum.Tally   `json:"tally"`
}

type CancellationRecord struct {
	ProposalID string             `json:"proposal_id"`
	Domain     contracts.DomainID `json:"domain"`
}

type HaltRecord struct {
	Reason string `json:"reason"`
}

const (
	stageValidate = "validate"
	stageQuorum   = "quorum"
	stageCommit   = "commit"
)
