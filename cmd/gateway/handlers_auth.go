package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/httpx"
	"github.com/CoReason-AI/coreason-adlc-api/pkg/identity"
)

const devicePendingMarker = "pending"

type deviceApproval struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Groups  []string `json:"groups"`
}

// handleDeviceCode starts the device authorization flow used by the
// CLI. The device code stays on the machine; the user code is what a
// human types into the verification page.
func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	deviceCode := uuid.NewString()
	userCode := userCodeFrom(deviceCode)

	ctx := r.Context()
	if err := s.Cache.Set(ctx, "device:"+deviceCode, devicePendingMarker, s.DeviceCodeTTL); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}
	if err := s.Cache.Set(ctx, "usercode:"+userCode, deviceCode, s.DeviceCodeTTL); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"device_code":      deviceCode,
		"user_code":        userCode,
		"verification_uri": env("DEVICE_VERIFICATION_URI", "https://auth.coreason.example/device"),
		"expires_in":       int(s.DeviceCodeTTL.Seconds()),
		"interval":         int(s.DevicePollInterval.Seconds()),
	})
}

// handleDeviceToken is the polling endpoint. Until the user approves,
// it answers authorization_pending; polling faster than the advertised
// interval answers slow_down.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceCode string `json:"device_code"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil || req.DeviceCode == "" {
		httpx.Error(w, http.StatusUnprocessableEntity, "device_code required")
		return
	}

	ctx := r.Context()
	firstPoll, err := s.Cache.SetNX(ctx, "devicepoll:"+req.DeviceCode, "1", s.DevicePollInterval)
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}
	if !firstPoll {
		httpx.Error(w, http.StatusBadRequest, "slow_down")
		return
	}

	state, err := s.Cache.Get(ctx, "device:"+req.DeviceCode)
	if errors.Is(err, redis.Nil) {
		httpx.Error(w, http.StatusBadRequest, "expired_token")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}
	if state == devicePendingMarker {
		httpx.Error(w, http.StatusBadRequest, "authorization_pending")
		return
	}

	var approval deviceApproval
	if err := json.Unmarshal([]byte(state), &approval); err != nil || approval.Subject == "" {
		httpx.Error(w, http.StatusBadRequest, "expired_token")
		return
	}

	token, err := identity.MintHS256(s.TokenSecret, s.TokenIssuer, s.TokenAudience, identity.Claims{
		Subject: approval.Subject,
		Email:   approval.Email,
		Groups:  approval.Groups,
	}, s.TokenTTL, time.Now())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "token mint failed")
		return
	}
	_ = s.Cache.Del(ctx, "device:"+req.DeviceCode)

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenTTL.Seconds()),
	})
}

// handleDeviceApprove is the development stand-in for the IdP
// verification page. It is only routed when DEV_AUTH_ENABLED=true and
// production hardening rejects that flag.
func (s *Server) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserCode string   `json:"user_code"`
		Subject  string   `json:"sub"`
		Email    string   `json:"email"`
		Groups   []string `json:"groups"`
	}
	if err := httpx.DecodeJSON(r, &req, s.MaxRequestBodyBytes); err != nil || req.UserCode == "" || req.Subject == "" {
		httpx.Error(w, http.StatusUnprocessableEntity, "user_code and sub required")
		return
	}

	ctx := r.Context()
	deviceCode, err := s.Cache.Get(ctx, "usercode:"+strings.ToUpper(strings.TrimSpace(req.UserCode)))
	if errors.Is(err, redis.Nil) {
		httpx.Error(w, http.StatusNotFound, "unknown user code")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}

	payload, err := json.Marshal(deviceApproval{Subject: req.Subject, Email: req.Email, Groups: req.Groups})
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "approval encode failed")
		return
	}
	if err := s.Cache.Set(ctx, "device:"+deviceCode, string(payload), s.DeviceCodeTTL); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "authorization store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// userCodeFrom derives the short human-facing code from the device
// code. Hyphens and ambiguous casing are stripped for typability.
func userCodeFrom(deviceCode string) string {
	compact := strings.ToUpper(strings.ReplaceAll(deviceCode, "-", ""))
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return compact[:4] + "-" + compact[4:]
}
