package pipeline

import (
	"github.com/CoReason-AI/coreason-adlc-api/pkg/inference"
)

// defaultCompletionTokens bounds the completion estimate when the
// caller sets no max_tokens.
const defaultCompletionTokens = 1024

// EstimateMicros computes the reservation amount before the upstream
// call. The estimate is deliberately conservative; commit reconciles
// the difference afterwards. A client hint can only raise it.
func EstimateMicros(req ChatRequest) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	// Rough 4-chars-per-token heuristic, rounded up, plus a fixed
	// per-message framing allowance.
	promptTokens := (chars+3)/4 + 8*len(req.Messages)

	completionTokens := req.MaxTokens
	if completionTokens <= 0 {
		completionTokens = defaultCompletionTokens
	}

	est := inference.CostMicros(req.Model, promptTokens, completionTokens)
	if est < 1 {
		est = 1
	}
	if req.EstimateHintMicros > est {
		est = req.EstimateHintMicros
	}
	return est
}
