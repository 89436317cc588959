package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/auth"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/coordinator"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/peer"
)

const maxBody = 1 << 20

// VoteSender returns this domain's vote to the proposal's issuer.
type VoteSender interface {
	SendVote(ctx context.Context, to contracts.DomainID, v contracts.Vote) error
}

// Health is the /healthz body.
type Health struct {
	Status   string                                           `json:"status"`
	Domain   contracts.DomainID                               `json:"domain"`
	Epoch    uint64                                           `json:"epoch"`
	Holder   string                                           `json:"holder"`
	Primary  bool                                             `json:"primary"`
	Domains  map[contracts.DomainID]contracts.CircuitPosition `json:"domains"`
	Circuits []contracts.CircuitState                         `json:"circuits"`
	Error    string                                           `json:"error,omitempty"`
}

// Server routes HTTP requests to a pipeline.
type Server struct {
	pipeline    *coordinator.Pipeline
	target      *execution.StateTarget
	votes       VoteSender
	limiter     *RateLimiter
	peerAuth    *auth.JWTValidator
	schemas     map[string]*jsonschema.Schema
	voteTimeout time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewServer builds a server. target serves this domain's applies and
// resource reads; votes may be nil when there are no remote issuers.
func NewServer(p *coordinator.Pipeline, target *execution.StateTarget, votes VoteSender) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		pipeline:    p,
		target:      target,
		votes:       votes,
		schemas:     schemas,
		voteTimeout: 5 * time.Second,
		logger:      slog.Default().With("component", "api"),
	}, nil
}

// WithRateLimiter installs per-client rate limiting.
func (s *Server) WithRateLimiter(rl *RateLimiter) *Server {
	s.limiter = rl
	return s
}

// WithPeerAuth sets the validator for requests from other domains. Without
// one every peer route answers 401.
func (s *Server) WithPeerAuth(v *auth.JWTValidator) *Server {
	s.peerAuth = v
	return s
}

// Wait blocks until background vote deliveries finished.
func (s *Server) Wait() { s.wg.Wait() }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	peerOnly := auth.NewMiddleware(s.peerAuth, WriteUnauthorized)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/proposals", s.handleSubmit)
	mux.HandleFunc("GET /v1/proposals/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /v1/proposals/{id}", s.handleCancel)
	mux.HandleFunc("POST /v1/promotions", s.handlePromote)
	mux.HandleFunc("POST /v1/signals", s.handleSignal)
	mux.HandleFunc("GET /v1/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/resources/{key...}", s.handleResource)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST "+peer.PathVotes, peerOnly(http.HandlerFunc(s.handleVote)))
	mux.Handle("POST "+peer.PathHeartbeats, peerOnly(http.HandlerFunc(s.handleHeartbeat)))
	mux.Handle("POST "+peer.PathProposals, peerOnly(http.HandlerFunc(s.handlePeerProposal)))
	mux.Handle("POST "+peer.PathApply, peerOnly(http.HandlerFunc(s.handlePeerApply)))

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = logRequests(s.logger, h)
	return RequestIDMiddleware(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode validates the body against the named schema, then unmarshals it
// into dst. It writes the error response itself and reports success.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		WriteBadRequest(w, r, "request body unreadable or too large")
		return false
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	if err := s.schemas[schema].Validate(doc); err != nil {
		WriteBadRequest(w, r, err.Error())
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SubmitRequest
	if !s.decode(w, r, "proposal", &req) {
		return
	}
	res, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		id := ""
		if res != nil {
			id = res.ProposalID
		}
		WriteErr(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Status(r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err, r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		WriteBadRequest(w, r, "query parameter domain is required")
		return
	}
	if err := s.pipeline.Cancel(r.Context(), id, contracts.DomainID(domain)); err != nil {
		WriteErr(w, r, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var v contracts.Vote
	if !s.decode(w, r, "vote", &v) {
		return
	}
	if !s.speaksFor(w, r, v.Domain) {
		return
	}
	tally, err := s.pipeline.Vote(r.Context(), v)
	if err != nil {
		WriteErr(w, r, err, v.ProposalID)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req failover.PromotionRequest
	if !s.decode(w, r, "promotion", &req) {
		return
	}
	t, err := s.pipeline.Promote(r.Context(), req)
	if err != nil {
		WriteErr(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb failover.Heartbeat
	if !s.decode(w, r, "heartbeat", &hb) {
		return
	}
	if !s.speaksFor(w, r, contracts.DomainID(hb.Coordinator)) {
		return
	}
	if err := s.pipeline.Heartbeat(r.Context(), hb); err != nil {
		WriteErr(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var sig contracts.HealthSignal
	if !s.decode(w, r, "signal", &sig) {
		return
	}
	breached, err := s.pipeline.IngestSignal(sig)
	if err != nil {
		WriteErr(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"breached": breached})
}

// handleAudit streams entries from ?from= (default 1) as NDJSON. Once the
// first entry is written a read failure can only end the stream.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if q := r.URL.Query().Get("from"); q != "" {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil || n < 1 {
			WriteBadRequest(w, r, "from must be a positive integer")
			return
		}
		from = n
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false
	n := 0
	for e, err := range s.pipeline.ReadAudit(r.Context(), from) {
		if err != nil {
			if !started {
				WriteErr(w, r, err, "")
				return
			}
			s.logger.WarnContext(r.Context(), "audit stream interrupted", "error", err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(e); err != nil {
			return
		}
		if n++; n%100 == 0 && flusher != nil {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	key, err := contracts.NormalizeResourceKey(r.PathValue("key"))
	if err != nil {
		WriteErr(w, r, err, "")
		return
	}
	slots := s.target.Resource(key)
	if len(slots) == 0 {
		WriteNotFound(w, r, fmt.Sprintf("resource %q has no value in any domain", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resource_key": key, "domains": slots})
}

// handlePeerProposal answers a broadcast: the vote is returned in the
// response and also sent back to the issuer in the background.
func (s *Server) handlePeerProposal(w http.ResponseWriter, r *http.Request) {
	var prop contracts.Proposal
	if !s.decode(w, r, "peer_proposal", &prop) {
		return
	}
	if !s.speaksFor(w, r, prop.IssuingDomain) {
		return
	}
	vote := s.pipeline.Consider(prop)
	if s.votes != nil && prop.IssuingDomain != s.pipeline.Domain {
		ctx := context.WithoutCancel(r.Context())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(ctx, s.voteTimeout)
			defer cancel()
			if err := s.votes.SendVote(ctx, prop.IssuingDomain, vote); err != nil {
				s.logger.WarnContext(ctx, "vote delivery failed",
					"proposal", prop.ID, "issuer", prop.IssuingDomain, "error", err)
			}
		}()
	}
	writeJSON(w, http.StatusAccepted, vote)
}

func (s *Server) handlePeerApply(w http.ResponseWriter, r *http.Request) {
	var req peer.ApplyRequest
	if !s.decode(w, r, "apply", &req) {
		return
	}
	if req.Domain != s.pipeline.Domain {
		WriteBadRequest(w, r, fmt.Sprintf("apply for %s sent to %s", req.Domain, s.pipeline.Domain))
		return
	}
	from, _ := auth.PeerFrom(r.Context())
	if err := s.pipeline.AuthorizeApply(r.Context(), from, req.Token); err != nil {
		WriteErr(w, r, err, "")
		return
	}
	if err := s.target.Apply(r.Context(), req.Domain, req.ResourceKey, req.Value, req.Token); err != nil {
		WriteErr(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// speaksFor refuses a peer request whose body names a domain other than
// the authenticated sender.
func (s *Server) speaksFor(w http.ResponseWriter, r *http.Request, named contracts.DomainID) bool {
	from, ok := auth.PeerFrom(r.Context())
	if ok && from == named {
		return true
	}
	s.logger.WarnContext(r.Context(), "peer request names another domain", "path", r.URL.Path, "from", from, "named", named)
	WriteForbidden(w, r, fmt.Sprintf("request signed by %q may not speak for %q", from, named))
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	epoch, holder, primary := s.pipeline.Epoch()
	h := Health{
		Status:   "ok",
		Domain:   s.pipeline.Domain,
		Epoch:    epoch,
		Holder:   holder,
		Primary:  primary,
		Domains:  s.pipeline.Isolation.DomainHealth(),
		Circuits: s.pipeline.Isolation.States(),
	}
	status := http.StatusOK
	if err := s.pipeline.Halted(); err != nil {
		h.Status, h.Error = "halted", err.Error()
		status = http.StatusServiceUnavailable
	} else if !primary {
		h.Status = "standby"
	}
	writeJSON(w, status, h)
}
