package inference

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultSeed pins upstream sampling when the caller does not supply a
// seed, so repeated runs of a governed agent stay comparable.
const DefaultSeed = 42

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Messages  []Message
	Seed      *int
	MaxTokens int
	// APIKey is borrowed from the caller's SecretMaterial for the
	// duration of the call. Providers must not retain it.
	APIKey []byte
}

type Result struct {
	// Payload is the upstream response body, returned to the caller
	// verbatim.
	Payload          json.RawMessage
	Content          string
	PromptTokens     int
	CompletionTokens int
	CostMicros       int64
	Latency          time.Duration
}

// Provider is the vendor adapter. Implementations force deterministic
// parameters (temperature 0, fixed default seed).
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}
