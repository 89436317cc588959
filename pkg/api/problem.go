// Package api serves the coordinator's HTTP interface. Errors are RFC 7807
// problem documents carrying the taxonomy code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/contracts"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/coordinator"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/failover"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/quorum"
	"github.com/rnaarla/AWS-Resilience-Playbook/pkg/signals"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Code is the stable error code, when the error has one.
	Code string `json:"code,omitempty"`
	// ProposalID names the proposal a rejection refers to.
	ProposalID string `json:"proposal_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	p.Type = fmt.Sprintf("https://enactor.dev/errors/%d", p.Status)
	if p.Code != "" {
		p.Type = "https://enactor.dev/errors/" + p.Code
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem document without a taxonomy code.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never returned to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// statusOverrides pins codes whose status differs from their class default.
var statusOverrides = map[contracts.Code]int{
	contracts.ErrCycleDetected.Code():      http.StatusUnprocessableEntity,
	contracts.ErrCausalityViolation.Code(): http.StatusUnprocessableEntity,
	contracts.ErrPromotionDenied.Code():    http.StatusForbidden,
}

// statusFor maps a taxonomy error to an HTTP status and title.
func statusFor(err error) (int, string) {
	if s, ok := statusOverrides[contracts.CodeOf(err)]; ok {
		return s, http.StatusText(s)
	}
	switch contracts.ClassOf(err) {
	case contracts.ClassLocalRejection:
		return http.StatusConflict, "Conflict"
	case contracts.ClassRetryable, contracts.ClassFatal:
		return http.StatusServiceUnavailable, "Service Unavailable"
	case contracts.ClassNotFound:
		return http.StatusNotFound, "Not Found"
	case contracts.ClassHighSeverity:
		return http.StatusInternalServerError, "Guardrail Violation"
	}
	switch {
	case errors.Is(err, contracts.ErrInvalidResourceKey),
		errors.Is(err, signals.ErrInvalidSignal),
		errors.Is(err, quorum.ErrUnknownDomain):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, failover.ErrInvalidApproval),
		errors.Is(err, coordinator.ErrNotHolder):
		return http.StatusForbidden, "Forbidden"
	}
	return 0, ""
}

// WriteErr writes err as a problem document. Errors outside the taxonomy
// and the known request errors become a 500.
func WriteErr(w http.ResponseWriter, r *http.Request, err error, proposalID string) {
	status, title := statusFor(err)
	if status == 0 {
		WriteInternal(w, r, err)
		return
	}
	if contracts.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, r, &ProblemDetail{
		Title:      title,
		Status:     status,
		Detail:     err.Error(),
		Code:       string(contracts.CodeOf(err)),
		ProposalID: proposalID,
	})
}
