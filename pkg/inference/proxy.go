package inference

import (
	"context"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// Proxy is the breaker-guarded entry point the pipeline calls.
type Proxy struct {
	Provider Provider
	Breaker  *Breaker
}

func NewProxy(p Provider) *Proxy {
	return &Proxy{Provider: p, Breaker: NewBreaker()}
}

func (x *Proxy) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := x.Breaker.Allow(req.Model); err != nil {
		return nil, err
	}
	res, err := x.Provider.Invoke(ctx, req)
	if err != nil {
		// Only transport-level failures count against the breaker;
		// a 4xx means the upstream is healthy and saying no.
		if fault.IsKind(err, fault.Unavailable) {
			x.Breaker.RecordFailure(req.Model)
		} else {
			x.Breaker.RecordSuccess(req.Model)
		}
		return nil, err
	}
	x.Breaker.RecordSuccess(req.Model)
	return res, nil
}
