package main

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/stream"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/workbench"
)

func (s *Server) handleDraftList(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	projectID := strings.TrimSpace(r.URL.Query().Get("auc_id"))
	if projectID == "" {
		httpx.Error(w, http.StatusUnprocessableEntity, "auc_id query parameter required")
		return
	}
	drafts, err := s.Drafts.List(r.Context(), p, projectID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if drafts == nil {
		drafts = []workbench.Draft{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleDraftCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req struct {
		ProjectID string          `json:"auc_id"`
		Title     string          `json:"title"`
		Content   json.RawMessage `json:"oas_content"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	draft, err := s.Drafts.Create(r.Context(), p, req.ProjectID, req.Title, req.Content)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.Metrics.IncDraftState(workbench.StatusDraft)
	httpx.WriteJSON(w, http.StatusCreated, draft)
}

// handleDraftAcquire opens a draft for editing. A manager hitting a
// held lock gets the read-only view with the holder named; everyone
// else gets the lock conflict.
func (s *Server) handleDraftAcquire(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	grant, err := s.Drafts.Acquire(r.Context(), p, chi.URLParam(r, "draft_id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	body := map[string]any{
		"draft":     grant.Draft,
		"lock_mode": grant.Mode,
	}
	if grant.Holder != "" {
		body["locked_by"] = grant.Holder
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (s *Server) handleDraftUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"oas_content"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	draft, err := s.Drafts.Update(r.Context(), p, chi.URLParam(r, "draft_id"), req.Title, req.Content)
	if err != nil {
		writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, draft)
}

func (s *Server) handleDraftDelete(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	if err := s.Drafts.SoftDelete(r.Context(), p, chi.URLParam(r, "draft_id")); err != nil {
		writeFault(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDraftHeartbeat(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	draft, err := s.Drafts.Heartbeat(r.Context(), p, chi.URLParam(r, "draft_id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"draft_id":        draft.DraftID,
		"lock_expires_at": draft.LockExpiresAt,
	})
}

// handleDraftValidate is the stateless pre-submit check. Nothing is
// persisted; the caller learns whether a submit would be blocked on
// budget and whether the content carries scrubbable PII.
func (s *Server) handleDraftValidate(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req struct {
		Title   string          `json:"title"`
		Content json.RawMessage `json:"oas_content"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	issues := []string{}
	spent, err := s.Ledger.Spent(r.Context(), p.UserID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if spent >= s.LimitMicros {
		issues = append(issues, "Budget Limit Reached")
	}
	if len(req.Content) > 0 {
		var tree any
		if err := json.Unmarshal(req.Content, &tree); err != nil {
			issues = append(issues, "PII Check Failed")
		} else if !reflect.DeepEqual(tree, s.Pipeline.Scrubber.Scrub(tree)) {
			issues = append(issues, "PII Detected")
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"is_valid": len(issues) == 0,
		"issues":   issues,
	})
}

func (s *Server) handleDraftVerb(verb workbench.Verb) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := identity.FromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		draft, err := s.Drafts.Transition(r.Context(), p, chi.URLParam(r, "draft_id"), verb)
		if err != nil {
			writeFault(w, err)
			return
		}
		s.Metrics.IncDraftState(draft.Status)
		s.Events.Publish(stream.NewEvent(stream.EventDraftTransition, map[string]string{
			"draft_id": draft.DraftID,
			"status":   draft.Status,
		}))
		httpx.WriteJSON(w, http.StatusOK, draft)
	}
}
