package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/auth"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/crypto"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/execution"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/isolation"
)

type received struct {
	authorization string
	method        string
	path          string
	body          []byte
}

type recorder struct {
	mu       sync.Mutex
	paths    []string
	requests []received
}

func (r *recorder) handler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		payload, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.requests = append(r.requests, received{
			authorization: req.Header.Get("Authorization"),
			method:        req.Method,
			path:          req.URL.Path,
			body:          payload,
		})
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (r *recorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

// sender authenticates a recorded request the way a receiving domain does.
func (r *recorder) sender(t *testing.T, v *auth.JWTValidator, i int) (contracts.DomainID, error) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Greater(t, len(r.requests), i)
	req := r.requests[i]
	token, ok := strings.CutPrefix(req.authorization, "Bearer ")
	require.True(t, ok, "missing bearer token")
	return v.Validate(token, req.method, req.path, req.body)
}

func domainSigner(t *testing.T, d contracts.DomainID) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer(crypto.DomainKeyID(string(d)))
	require.NoError(t, err)
	return s
}

func fastRetry() isolation.BackoffPolicy {
	return isolation.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 2, MaxAttempts: 3}
}

func newLayer() *isolation.Layer {
	return isolation.NewLayer(isolation.Config{
		Breaker:       isolation.BreakerConfig{MaxFailures: 5, ResetTimeout: time.Minute, HalfOpenMax: 1},
		MaxConcurrent: 4,
	})
}

func TestBroadcast_SkipsSelfAndIssuer(t *testing.T) {
	var b, c recorder
	srvB := httptest.NewServer(b.handler(http.StatusAccepted, ""))
	defer srvB.Close()
	srvC := httptest.NewServer(c.handler(http.StatusAccepted, ""))
	defer srvC.Close()

	key := domainSigner(t, "a")
	client := NewClient("a", map[contracts.DomainID]string{
		"a": "http://unused",
		"b": srvB.URL + "/",
		"c": srvC.URL,
	}, newLayer(), fastRetry(), time.Second).WithSigner(auth.NewTokenSigner("a", key.PrivateKey()))

	prop := contracts.Proposal{ID: "p1", ResourceKey: "dns/x", IssuingDomain: "c"}
	client.Broadcast(context.Background(), prop, []contracts.DomainID{"a", "b", "c"})

	assert.Equal(t, []string{PathProposals}, b.calls())
	assert.Empty(t, c.calls())

	keys := crypto.NewKeySet()
	keys.AddSigner(key)
	from, err := b.sender(t, auth.NewJWTValidator(keys), 0)
	require.NoError(t, err)
	assert.Equal(t, contracts.DomainID("a"), from)
}

func TestClient_TokenDoesNotVerifyUnderAnotherDomainsKey(t *testing.T) {
	var r recorder
	srv := httptest.NewServer(r.handler(http.StatusOK, ""))
	defer srv.Close()

	forger := domainSigner(t, "b")
	owner := domainSigner(t, "c")
	client := NewClient("b", map[contracts.DomainID]string{"a": srv.URL}, newLayer(), fastRetry(), time.Second).
		WithSigner(auth.NewTokenSigner("c", forger.PrivateKey()))
	require.NoError(t, client.SendVote(context.Background(), "a", contracts.Vote{ProposalID: "p1", Domain: "c", Approve: true}))

	keys := crypto.NewKeySet()
	keys.AddSigner(forger)
	keys.AddSigner(owner)
	_, err := r.sender(t, auth.NewJWTValidator(keys), 0)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestSendVote_DecodesBody(t *testing.T) {
	got := make(chan contracts.Vote, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v contracts.Vote
		require.NoError(t, json.NewDecoder(r.Body).Decode(&v))
		got <- v
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient("b", map[contracts.DomainID]string{"a": srv.URL}, newLayer(), fastRetry(), time.Second)
	err := client.SendVote(context.Background(), "a", contracts.Vote{ProposalID: "p1", Domain: "b", Approve: true})
	require.NoError(t, err)
	v := <-got
	assert.Equal(t, "p1", v.ProposalID)
	assert.True(t, v.Approve)
}

func TestSend_MapsProblemCode(t *testing.T) {
	var r recorder
	srv := httptest.NewServer(r.handler(http.StatusServiceUnavailable,
		`{"title":"stale","code":"STALE_EPOCH","detail":"epoch 2 held by b"}`))
	defer srv.Close()

	client := NewClient("b", map[contracts.DomainID]string{"a": srv.URL}, newLayer(), fastRetry(), time.Second)
	err := client.SendVote(context.Background(), "a", contracts.Vote{ProposalID: "p1", Domain: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrStaleEpoch)
	// Fatal errors are not retried.
	assert.Len(t, r.calls(), 1)
}

func TestSend_RetriesUnavailablePeer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient("b", map[contracts.DomainID]string{"a": srv.URL}, newLayer(), fastRetry(), time.Second)
	require.NoError(t, client.SendVote(context.Background(), "a", contracts.Vote{ProposalID: "p1"}))
	assert.Equal(t, int32(3), hits.Load())
}

func TestSend_UnreachablePeerTripsDomainBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	layer := isolation.NewLayer(isolation.Config{
		Breaker:       isolation.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 1},
		MaxConcurrent: 4,
	})
	client := NewClient("b", map[contracts.DomainID]string{"a": url}, layer, fastRetry(), time.Second)

	err := client.SendVote(context.Background(), "a", contracts.Vote{ProposalID: "p1"})
	require.Error(t, err)
	assert.True(t, contracts.IsRetryable(err))
	assert.False(t, layer.Healthy("a"))
}

func TestSend_UnknownPeer(t *testing.T) {
	client := NewClient("b", nil, newLayer(), fastRetry(), time.Second)
	err := client.SendVote(context.Background(), "zz", contracts.Vote{})
	assert.True(t, errors.Is(err, ErrUnknownPeer))
}

func TestSendHeartbeat_ReachesAllPeers(t *testing.T) {
	var a, c recorder
	srvA := httptest.NewServer(a.handler(http.StatusNoContent, ""))
	defer srvA.Close()
	srvC := httptest.NewServer(c.handler(http.StatusInternalServerError, "boom"))
	defer srvC.Close()

	client := NewClient("b", map[contracts.DomainID]string{"a": srvA.URL, "c": srvC.URL}, newLayer(),
		isolation.BackoffPolicy{MaxAttempts: 1}, time.Second)
	client.SendHeartbeat(context.Background(), failover.Heartbeat{Coordinator: "b", Epoch: 3, At: time.Now()})

	assert.Equal(t, []string{PathHeartbeats}, a.calls())
	assert.Equal(t, []string{PathHeartbeats}, c.calls())
}

func TestRouter_LocalAndRemote(t *testing.T) {
	remote := make(chan ApplyRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathApply, r.URL.Path)
		var req ApplyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		remote <- req
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	local := execution.NewStateTarget()
	client := NewClient("a", map[contracts.DomainID]string{"b": srv.URL}, newLayer(), fastRetry(), time.Second)
	router := NewRouter("a", local, client)
	token := contracts.FencingToken{ResourceKey: "dns/x", Epoch: 4, IssuingDomain: "a"}

	require.NoError(t, router.Apply(context.Background(), "a", "dns/x", "v1", token))
	require.NoError(t, router.Apply(context.Background(), "b", "dns/x", "v1", token))

	slot, ok := local.Get("a", "dns/x")
	require.True(t, ok)
	assert.Equal(t, "v1", slot.Value)

	req := <-remote
	assert.Equal(t, contracts.DomainID("b"), req.Domain)
	assert.Equal(t, uint64(4), req.Token.Epoch)
}
