package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/flowforge/orchestrator/apperrors"
)

type approvalWebhookRequest struct {
	RequestID     string `json:"request_id"`
	Decision      string `json:"decision"`
	DecidedBy     string `json:"decided_by"`
	Justification string `json:"justification"`
	Signature     string `json:"signature"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// handleApprovalWebhook implements POST /webhooks/approval (spec §6):
// verifies the HMAC-SHA256 signature carried in the body against the shared
// secret before recording the decision, rejecting any mismatch with
// permission_denied (403) without ever touching the HITL store. The MAC
// covers the body's fields other than signature, re-encoded as JSON (see
// verifySignature), not the raw body bytes.
func (s *Server) handleApprovalWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperrors.New(apperrors.KindValidation, "failed to read request body"))
		return
	}

	var req approvalWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, apperrors.New(apperrors.KindValidation, "malformed request body"))
		return
	}

	if !s.verifySignature(req, req.Signature) {
		writeError(w, apperrors.New(apperrors.KindPermissionDenied, "approval webhook signature mismatch"))
		return
	}

	if req.RequestID == "" || req.Decision == "" {
		writeError(w, apperrors.New(apperrors.KindValidation, "request_id and decision are required"))
		return
	}

	if err := s.HITL.RecordDecision(r.Context(), req.RequestID, req.Decision, req.DecidedBy, req.Justification); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// verifySignature reports whether signature is the hex-encoded HMAC-SHA256
// of req's signable fields (every field but Signature itself — the
// signature cannot cover its own bytes) under the server's shared webhook
// secret. An empty configured secret rejects every signature — webhooks
// cannot be accepted without one configured.
func (s *Server) verifySignature(req approvalWebhookRequest, signature string) bool {
	if s.ApprovalWebhookSecret == "" {
		return false
	}
	signable, err := json.Marshal(struct {
		RequestID     string `json:"request_id"`
		Decision      string `json:"decision"`
		DecidedBy     string `json:"decided_by"`
		Justification string `json:"justification"`
	}{req.RequestID, req.Decision, req.DecidedBy, req.Justification})
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.ApprovalWebhookSecret))
	mac.Write(signable)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
