// Package peer carries proposals, votes, heartbeats and applies between
// coordinator domains over HTTP+JSON.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/auth"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
)

// Paths served by every domain.
const (
	PathProposals  = "/v1/peer/proposals"
	PathApply      = "/v1/peer/apply"
	PathVotes      = "/v1/votes"
	PathHeartbeats = "/v1/heartbeats"
)

// ErrUnknownPeer is returned for a domain with no configured URL.
var ErrUnknownPeer = errors.New("peer: unknown domain")

// ApplyRequest asks a domain to write one resource value under a token.
type ApplyRequest struct {
	Domain      contracts.DomainID     `json:"domain"`
	ResourceKey string                 `json:"resource_key"`
	Value       string                 `json:"value"`
	Token       contracts.FencingToken `json:"token"`
}

// problem is the subset of an RFC 7807 body the client reads back.
type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// Client talks to the other domains. Calls to a domain go through that
// domain's breaker and bulkhead, and retryable failures are retried with
// backoff.
type Client struct {
	self   contracts.DomainID
	peers  map[contracts.DomainID]string
	http   *http.Client
	layer  *isolation.Layer
	retry  isolation.BackoffPolicy
	signer *auth.TokenSigner
	logger *slog.Logger
}

// NewClient builds a client. peers maps domain ids to base URLs; the
// entry for self, if any, is ignored.
func NewClient(self contracts.DomainID, peers map[contracts.DomainID]string, layer *isolation.Layer, retry isolation.BackoffPolicy, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	urls := maps.Clone(peers)
	delete(urls, self)
	for d, u := range urls {
		urls[d] = strings.TrimRight(u, "/")
	}
	return &Client{
		self:   self,
		peers:  urls,
		http:   &http.Client{Timeout: timeout},
		layer:  layer,
		retry:  retry,
		logger: slog.Default().With("component", "peer"),
	}
}

// WithSigner signs every request as this domain. Peers refuse unsigned
// requests.
func (c *Client) WithSigner(s *auth.TokenSigner) *Client {
	c.signer = s
	return c
}

// Broadcast sends p to every listed domain except this one and the issuer,
// in parallel, and returns when all deliveries finished.
func (c *Client) Broadcast(ctx context.Context, p contracts.Proposal, domains []contracts.DomainID) {
	var wg sync.WaitGroup
	for _, d := range domains {
		if d == c.self || d == p.IssuingDomain {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.send(ctx, d, PathProposals, p); err != nil {
				c.logger.WarnContext(ctx, "proposal broadcast failed", "domain", d, "proposal", p.ID, "error", err)
			}
		}()
	}
	wg.Wait()
}

// SendVote delivers v to the domain that issued the proposal.
func (c *Client) SendVote(ctx context.Context, to contracts.DomainID, v contracts.Vote) error {
	return c.send(ctx, to, PathVotes, v)
}

// SendHeartbeat delivers hb to every peer. Failures are logged; a peer
// that misses beats starts its own health-check clock.
func (c *Client) SendHeartbeat(ctx context.Context, hb failover.Heartbeat) {
	var wg sync.WaitGroup
	for d := range c.peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.send(ctx, d, PathHeartbeats, hb); err != nil {
				c.logger.DebugContext(ctx, "heartbeat not delivered", "domain", d, "error", err)
			}
		}()
	}
	wg.Wait()
}

// Apply asks domain d to write a value. It does not pass through the
// isolation layer itself; the execution engine already wraps each apply.
func (c *Client) Apply(ctx context.Context, d contracts.DomainID, resourceKey, value string, token contracts.FencingToken) error {
	req := ApplyRequest{Domain: d, ResourceKey: resourceKey, Value: value, Token: token}
	return isolation.Retry(ctx, c.retry, string(d)+PathApply, func(ctx context.Context) error {
		return c.post(ctx, d, PathApply, req)
	})
}

func (c *Client) send(ctx context.Context, d contracts.DomainID, path string, body any) error {
	return isolation.Retry(ctx, c.retry, string(d)+path, func(ctx context.Context) error {
		return c.layer.Do(ctx, isolation.DomainDependency(d), func(ctx context.Context) error {
			return c.post(ctx, d, path, body)
		})
	})
}

func (c *Client) post(ctx context.Context, d contracts.DomainID, path string, body any) error {
	base, ok := c.peers[d]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, d)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("peer: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("peer: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		token, err := c.signer.Sign(http.MethodPost, path, payload)
		if err != nil {
			return fmt.Errorf("peer: sign %s: %w", path, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", contracts.ErrPeerUnavailable, d, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return responseError(d, resp)
}

// responseError turns a non-2xx reply into a taxonomy error when the body
// names a known code.
func responseError(d contracts.DomainID, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var p problem
	_ = json.Unmarshal(data, &p)

	detail := p.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(data))
	}
	if sentinel, ok := contracts.Lookup(contracts.Code(p.Code)); ok {
		return fmt.Errorf("peer %s: %w: %s", d, sentinel, detail)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s: status %d: %s", contracts.ErrPeerUnavailable, d, resp.StatusCode, detail)
	}
	return fmt.Errorf("peer %s: status %d: %s", d, resp.StatusCode, detail)
}
