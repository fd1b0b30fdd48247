package inference

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// modelPriceMicros is the per-1000-token price table in micro-units.
// Unknown models fall back to the conservative default row.
var modelPriceMicros = map[string]struct{ prompt, completion int64 }{
	"gpt-4o":        {2_500, 10_000},
	"gpt-4o-mini":   {150, 600},
	"gpt-4.1":       {2_000, 8_000},
	"gpt-4.1-mini":  {400, 1_600},
	"o3-mini":       {1_100, 4_400},
	"default":       {5_000, 15_000},
}

// CostMicros prices a call from its token counts.
func CostMicros(model string, promptTokens, completionTokens int) int64 {
	price, ok := modelPriceMicros[model]
	if !ok {
		price = modelPriceMicros["default"]
	}
	return (int64(promptTokens)*price.prompt + int64(completionTokens)*price.completion) / 1000
}

// AllowedModels lists the price table entries, for the compliance
// attestation.
func AllowedModels() []string {
	out := make([]string, 0, len(modelPriceMicros))
	for m := range modelPriceMicros {
		if m == "default" {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// buildChatRequest pins the deterministic parameters. The client
// library drops a zero temperature from the wire request, so the
// smallest positive float stands in for 0; upstream cannot tell them
// apart.
func buildChatRequest(req Request) openai.ChatCompletionRequest {
	seed := DefaultSeed
	if req.Seed != nil {
		seed = *req.Seed
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
		MaxTokens:   req.MaxTokens,
	}
}

// OpenAIProvider adapts the go-openai client. A client is built per
// request because the API key is request-scoped vault material.
type OpenAIProvider struct {
	BaseURL string
	// HTTPClient carries the OTel-instrumented transport.
	HTTPClient *http.Client
	Deadline   time.Duration
}

func (p *OpenAIProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	cfg := openai.DefaultConfig(string(req.APIKey))
	if strings.TrimSpace(p.BaseURL) != "" {
		cfg.BaseURL = p.BaseURL
	}
	if p.HTTPClient != nil {
		cfg.HTTPClient = p.HTTPClient
	}
	client := openai.NewClientWithConfig(cfg)

	callCtx := ctx
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	start := time.Now()
	resp, err := client.CreateChatCompletion(callCtx, buildChatRequest(req))
	latency := time.Since(start)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	payload, mErr := json.Marshal(resp)
	if mErr != nil {
		return nil, fault.Wrap(fault.Upstream, "upstream response not serializable", mErr)
	}
	return &Result{
		Payload:          payload,
		Content:          content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostMicros:       CostMicros(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:          latency,
	}, nil
}

// classifyUpstreamError maps provider failures onto the two upstream
// categories. Timeouts, connection errors and 5xx are retryable
// (Unavailable); 4xx are the caller's problem (Upstream) and must not
// trip the breaker.
func classifyUpstreamError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
			return fault.Errorf(fault.Upstream, "upstream rejected request (%d)", apiErr.HTTPStatusCode)
		}
		return fault.Errorf(fault.Unavailable, "upstream error (%d)", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 {
			return fault.Errorf(fault.Upstream, "upstream rejected request (%d)", reqErr.HTTPStatusCode)
		}
		return fault.Errorf(fault.Unavailable, "upstream error (%d)", reqErr.HTTPStatusCode)
	}
	if errors.Is(err, context.Canceled) {
		// The caller hung up; the upstream is not at fault and the
		// breaker must not count it.
		return fault.Wrap(fault.Internal, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.Unavailable, "upstream timeout", err)
	}
	return fault.Wrap(fault.Unavailable, "upstream unreachable", err)
}
