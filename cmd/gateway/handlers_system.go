package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/inference"
)

type complianceAttestation struct {
	Service             string         `json:"service"`
	GeneratedAt         string         `json:"generated_at"`
	AllowedModels       []string       `json:"allowed_models"`
	RedactionEntities   []string       `json:"redaction_entities"`
	DeterministicParams map[string]int `json:"deterministic_params"`
	Checksum            string         `json:"checksum"`
}

// handleCompliance reports the enforcement posture of the gateway: the
// model allowlist, the entity catalogue the scrubber covers, and the
// pinned inference parameters. The checksum lets an auditor diff two
// attestations without field-by-field comparison.
func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	att := complianceAttestation{
		Service:           "coreason-adlc",
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		AllowedModels:     inference.AllowedModels(),
		RedactionEntities: s.Detector.Entities(),
		DeterministicParams: map[string]int{
			"temperature": 0,
			"seed":        42,
		},
	}
	att.Checksum = attestationChecksum(att)
	httpx.WriteJSON(w, http.StatusOK, att)
}

// handleModelSchema serves the configuration schema the workbench UI
// renders for a model. Reasoning models expose an effort knob instead
// of the sampling parameters.
func (s *Server) handleModelSchema(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "model_id")
	lower := strings.ToLower(modelID)

	var props map[string]any
	var required []string
	if strings.Contains(lower, "deepseek") || strings.Contains(lower, "reasoning") {
		props = map[string]any{
			"reasoning_effort": map[string]any{
				"type":    "string",
				"enum":    []string{"low", "medium", "high"},
				"default": "medium",
			},
		}
		required = []string{"reasoning_effort"}
	} else {
		props = map[string]any{
			"temperature": map[string]any{
				"type": "number", "minimum": 0.0, "maximum": 2.0, "default": 0.7,
			},
			"top_p": map[string]any{
				"type": "number", "minimum": 0.0, "maximum": 1.0, "default": 1.0,
			},
		}
		required = []string{"temperature", "top_p"}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"title":                "Configuration for " + modelID,
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	})
}

// attestationChecksum hashes everything except the volatile fields.
func attestationChecksum(att complianceAttestation) string {
	stable := struct {
		Models   []string       `json:"models"`
		Entities []string       `json:"entities"`
		Params   map[string]int `json:"params"`
	}{att.AllowedModels, att.RedactionEntities, att.DeterministicParams}
	raw, _ := json.Marshal(stable)
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
