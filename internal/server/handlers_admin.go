package server

import (
	"net/http"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// HandleMintKey handles POST /v1/keys. The raw secret appears only in this
// response.
func (h *Handlers) HandleMintKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	minted, err := h.svc.MintKey(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, minted)
}

// HandleListKeys handles GET /v1/keys.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.ListKeys(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// HandleRevokeKey handles DELETE /v1/keys/{id}.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.RevokeKey(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IDResponse{ID: id})
}

// HandleCreateWebhook handles POST /v1/webhooks.
func (h *Handlers) HandleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWebhookRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	ep, err := h.svc.CreateWebhook(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, ep)
}

// HandleListWebhooks handles GET /v1/webhooks.
func (h *Handlers) HandleListWebhooks(w http.ResponseWriter, r *http.Request) {
	eps, err := h.svc.ListWebhooks(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, eps)
}

// HandleDeleteWebhook handles DELETE /v1/webhooks/{id}.
func (h *Handlers) HandleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.DeleteWebhook(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IDResponse{ID: id})
}

// HandleCreateAutoApproveRule handles POST /v1/auto-approve-rules.
func (h *Handlers) HandleCreateAutoApproveRule(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAutoApproveRuleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	rule, err := h.svc.CreateAutoApproveRule(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rule)
}

// HandleListAutoApproveRules handles GET /v1/auto-approve-rules.
func (h *Handlers) HandleListAutoApproveRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.svc.ListAutoApproveRules(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleDeleteAutoApproveRule handles DELETE /v1/auto-approve-rules/{id}.
func (h *Handlers) HandleDeleteAutoApproveRule(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.svc.DeleteAutoApproveRule(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IDResponse{ID: id})
}

// HandleAddPolicy handles POST /v1/policies.
func (h *Handlers) HandleAddPolicy(w http.ResponseWriter, r *http.Request) {
	var req model.PolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.svc.AddPolicy(r.Context(), PrincipalFromContext(r.Context()), req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

// HandleRemovePolicy handles DELETE /v1/policies.
func (h *Handlers) HandleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	var req model.PolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.svc.RemovePolicy(r.Context(), PrincipalFromContext(r.Context()), req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleAssignRole handles POST /v1/roles.
func (h *Handlers) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req model.RoleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.svc.AssignRole(r.Context(), PrincipalFromContext(r.Context()), req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, req)
}

// HandleUnassignRole handles DELETE /v1/roles.
func (h *Handlers) HandleUnassignRole(w http.ResponseWriter, r *http.Request) {
	var req model.RoleRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.svc.UnassignRole(r.Context(), PrincipalFromContext(r.Context()), req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context(), PrincipalFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
