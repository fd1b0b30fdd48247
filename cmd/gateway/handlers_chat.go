package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/pipeline"
)

func writeFault(w http.ResponseWriter, err error) {
	httpx.Error(w, fault.Status(err), fault.Detail(err))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	decision := s.Throttle.Allow(r.Context(), p.UserID, s.ThrottlePerMinute)
	if !decision.Allowed {
		retry := int(time.Until(decision.ResetAt).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		httpx.Error(w, http.StatusTooManyRequests, "request rate limit exceeded")
		return
	}

	// Loose decode: clients send standard completion payloads with
	// sampling fields the gateway overrides, so unknown keys pass.
	var req pipeline.ChatRequest
	if err := httpx.DecodeJSONLoose(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	s.Metrics.IncModel(req.Model)
	start := time.Now()
	resp, err := s.Pipeline.Chat(r.Context(), p, req)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.Metrics.ObserveInferenceLatency(time.Since(start))
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	spent, err := s.Ledger.Spent(r.Context(), p.UserID)
	if err != nil {
		writeFault(w, err)
		return
	}
	remaining := s.LimitMicros - spent
	if remaining < 0 {
		remaining = 0
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]int64{
		"spent_micros":     spent,
		"limit_micros":     s.LimitMicros,
		"remaining_micros": remaining,
	})
}
