package server

import (
	"net/http"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// HandleListPending handles GET /v1/contributions/pending.
func (h *Handlers) HandleListPending(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	pending, err := h.svc.ListPending(r.Context(), PrincipalFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.PendingContribution]{
		Items:   pending,
		Total:   len(pending),
		Limit:   limit,
		Offset:  offset,
		HasMore: len(pending) == limit,
	})
}

// HandleApproveContribution handles POST /v1/contributions/{id}/approve.
// Promotion is transactional with the review-state transition, so a
// contribution can never be both approved and still pending.
func (h *Handlers) HandleApproveContribution(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	item, err := h.svc.ApproveContribution(r.Context(), PrincipalFromContext(r.Context()), id, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// HandleRejectContribution handles POST /v1/contributions/{id}/reject.
func (h *Handlers) HandleRejectContribution(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	reviewed, err := h.svc.RejectContribution(r.Context(), PrincipalFromContext(r.Context()), id, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, reviewed)
}
