package main

import (
	"net/http"
	"strings"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/vault"
)

// handleVaultPut stores a service credential for a project. The value
// is encrypted before it leaves the handler and is never echoed back.
func (s *Server) handleVaultPut(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	var req struct {
		ProjectID   string `json:"auc_id"`
		ServiceName string `json:"service_name"`
		Value       string `json:"value"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.ServiceName = strings.TrimSpace(req.ServiceName)
	if req.ProjectID == "" || req.ServiceName == "" || req.Value == "" {
		httpx.Error(w, http.StatusUnprocessableEntity, "auc_id, service_name and value are required")
		return
	}
	if !p.HasProject(req.ProjectID) {
		httpx.Error(w, http.StatusForbidden, "not a member of this project")
		return
	}

	encrypted, err := s.VaultCodec.Encrypt([]byte(req.Value))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "secret encryption failed")
		return
	}
	meta, err := s.VaultStore.Put(r.Context(), req.ProjectID, req.ServiceName, encrypted, vault.KeyVersion)
	if err != nil {
		writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"secret_id":    meta.SecretID,
		"auc_id":       meta.ProjectID,
		"service_name": meta.ServiceName,
		"key_version":  meta.KeyVersion,
		"created_at":   meta.CreatedAt,
	})
}
