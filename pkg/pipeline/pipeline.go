// Package pipeline composes identity, budget, vault, inference,
// redaction and telemetry into the governed chat path. The pipeline
// owns the reservation and the secret for the request's lifetime;
// collaborators hold no reference back to it.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/audit"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/budget"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/inference"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/redact"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/vault"
)

// SecretSource resolves a project/service pair to request-scoped key
// material. vault.Reader satisfies it.
type SecretSource interface {
	Lookup(ctx context.Context, projectID, serviceName string) (*vault.SecretMaterial, error)
}

// Invoker is the breaker-guarded model call. inference.Proxy satisfies
// it.
type Invoker interface {
	Invoke(ctx context.Context, req inference.Request) (*inference.Result, error)
}

type ChatRequest struct {
	ProjectID string              `json:"auc_id"`
	Model     string              `json:"model"`
	Messages  []inference.Message `json:"messages"`
	Seed      *int                `json:"seed,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	// EstimateHintMicros lets the client widen the reservation for
	// calls it knows will be expensive. It can only raise the
	// server-side estimate, never lower it.
	EstimateHintMicros int64 `json:"estimated_cost_micros,omitempty"`
}

type ChatResponse struct {
	RecordID string `json:"record_id"`
	// Payload is the upstream response, unscrubbed. The originating
	// caller is the one place clear text may flow to.
	Payload       json.RawMessage `json:"response"`
	CostMicros    int64           `json:"cost_micros"`
	BudgetOverrun bool            `json:"budget_overrun,omitempty"`
}

// Pipeline wires the chat chain. ProviderService names the vault
// service whose secret authenticates the upstream call.
type Pipeline struct {
	Ledger          budget.Ledger
	Secrets         SecretSource
	Invoker         Invoker
	Scrubber        *redact.Engine
	Telemetry       *audit.Queue
	ProviderService string
	Now             func() time.Time
	// OnOutcome observes every finished request with its telemetry
	// category ("" for success). Used for metrics and event fan-out.
	OnOutcome func(category string, overrun bool)
}

func New(ledger budget.Ledger, secrets SecretSource, invoker Invoker, scrubber *redact.Engine, telemetry *audit.Queue) *Pipeline {
	return &Pipeline{
		Ledger:          ledger,
		Secrets:         secrets,
		Invoker:         invoker,
		Scrubber:        scrubber,
		Telemetry:       telemetry,
		ProviderService: "openai",
		Now:             time.Now,
	}
}

// Chat runs the full governed chain. Every error return after the
// reservation was taken has either refunded or committed it, even when
// the caller's context is already cancelled.
func (p *Pipeline) Chat(ctx context.Context, principal identity.Principal, req ChatRequest) (*ChatResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !principal.HasProject(req.ProjectID) {
		return nil, fault.New(fault.Forbidden, "no access to project")
	}

	res, err := p.Ledger.Reserve(ctx, principal.UserID, EstimateMicros(req))
	if err != nil {
		return nil, err
	}
	// Reconciliation must survive client cancellation: a caller that
	// hangs up after reserve still gets refunded, and a served response
	// still gets committed and audited.
	bg := context.WithoutCancel(ctx)

	secret, err := p.Secrets.Lookup(ctx, req.ProjectID, p.ProviderService)
	if err != nil {
		p.abandon(bg, principal, req, res, fault.ConfigurationError)
		return nil, fault.Wrap(fault.ConfigurationError, "no credential configured for project", err)
	}
	defer secret.Destroy()

	result, err := p.Invoker.Invoke(ctx, inference.Request{
		Model:     req.Model,
		Messages:  req.Messages,
		Seed:      req.Seed,
		MaxTokens: req.MaxTokens,
		APIKey:    secret.Bytes(),
	})
	if err != nil {
		p.abandon(bg, principal, req, res, fault.KindOf(err))
		return nil, err
	}

	scrubbedReq := p.scrubRequest(req.Messages)
	scrubbedResp := p.scrubResponse(result)

	commit, err := p.Ledger.Commit(bg, res, result.CostMicros)
	if err != nil {
		// The response was produced; a reconciliation fault must not
		// turn it into a client error. Auto-refund closes the window.
		commit = budget.CommitResult{AppliedMicros: result.CostMicros}
	}

	rec := audit.Record{
		RecordID:         uuid.NewString(),
		UserID:           principal.UserID,
		ProjectID:        req.ProjectID,
		Model:            req.Model,
		ScrubbedRequest:  scrubbedReq,
		ScrubbedResponse: scrubbedResp,
		CostMicros:       commit.AppliedMicros,
		LatencyMS:        result.Latency.Milliseconds(),
		BudgetOverrun:    commit.Overrun,
		CreatedAt:        p.Now().UTC(),
	}
	p.Telemetry.Enqueue(rec)
	p.outcome("", commit.Overrun)

	return &ChatResponse{
		RecordID:      rec.RecordID,
		Payload:       result.Payload,
		CostMicros:    commit.AppliedMicros,
		BudgetOverrun: commit.Overrun,
	}, nil
}

// abandon refunds the reservation and records a category-only
// telemetry row for a request that failed after reserve. Categories
// are not PII; payloads never appear on failure records.
func (p *Pipeline) abandon(ctx context.Context, principal identity.Principal, req ChatRequest, res *budget.Reservation, category fault.Kind) {
	if _, err := p.Ledger.Refund(ctx, res); err != nil && !fault.IsKind(err, fault.Conflict) {
		// Auto-refund reclaims the reservation at expiry.
		_ = err
	}
	p.Telemetry.Enqueue(audit.Record{
		RecordID:  uuid.NewString(),
		UserID:    principal.UserID,
		ProjectID: req.ProjectID,
		Model:     req.Model,
		Category:  string(category),
		CreatedAt: p.Now().UTC(),
	})
	p.outcome(string(category), false)
}

func (p *Pipeline) outcome(category string, overrun bool) {
	if p.OnOutcome != nil {
		p.OnOutcome(category, overrun)
	}
}

func (p *Pipeline) scrubRequest(messages []inference.Message) json.RawMessage {
	tree := make([]any, 0, len(messages))
	for _, m := range messages {
		tree = append(tree, map[string]any{"role": m.Role, "content": m.Content})
	}
	out, err := marshalScrubbed(p.Scrubber.Scrub(tree))
	if err != nil {
		return json.RawMessage(`[]`)
	}
	return out
}

// marshalScrubbed encodes without HTML escaping so the redaction
// markers (<REDACTED ...>) land literally in the at-rest payload.
func marshalScrubbed(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func (p *Pipeline) scrubResponse(result *inference.Result) json.RawMessage {
	var tree any
	if err := json.Unmarshal(result.Payload, &tree); err != nil {
		// Fall back to the extracted content as a plain string.
		tree = result.Content
	}
	out, err := marshalScrubbed(p.Scrubber.Scrub(tree))
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

func validate(req ChatRequest) error {
	if req.ProjectID == "" {
		return fault.New(fault.ValidationFailed, "auc_id required")
	}
	if req.Model == "" {
		return fault.New(fault.ValidationFailed, "model required")
	}
	if len(req.Messages) == 0 {
		return fault.New(fault.ValidationFailed, "messages required")
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			return fault.New(fault.ValidationFailed, "message role required")
		}
	}
	if req.EstimateHintMicros < 0 {
		return fault.New(fault.ValidationFailed, "estimated_cost_micros must be non-negative")
	}
	return nil
}
