package server

import (
	"net/http"

	"github.com/hivemind-dev/hivemind/internal/model"
)

// HandleAddKnowledge handles POST /v1/knowledge. The submission runs the
// full ingestion pipeline synchronously; the response status reflects where
// it landed.
func (h *Handlers) HandleAddKnowledge(w http.ResponseWriter, r *http.Request) {
	var req model.AddKnowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	result, err := h.svc.AddKnowledge(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	switch result.Status {
	case model.IngestAutoApproved:
		status = http.StatusCreated
	case model.IngestPending:
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, result)
}

// HandleSearchKnowledge handles POST /v1/knowledge/search.
func (h *Handlers) HandleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req model.SearchKnowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.svc.SearchKnowledge(r.Context(), PrincipalFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleFetchKnowledge handles GET /v1/knowledge/{id}.
func (h *Handlers) HandleFetchKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.svc.FetchByID(r.Context(), PrincipalFromContext(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListMine handles GET /v1/knowledge/mine.
func (h *Handlers) HandleListMine(w http.ResponseWriter, r *http.Request) {
	var category *model.Category
	if raw := r.URL.Query().Get("category"); raw != "" {
		if !model.ValidCategory(raw) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown category: "+raw)
			return
		}
		c := model.Category(raw)
		category = &c
	}
	limit := queryLimit(r, 50)
	offset := queryOffset(r)

	items, err := h.svc.ListMine(r.Context(), PrincipalFromContext(r.Context()), category, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.ListResponse[model.KnowledgeItem]{
		Items:   items,
		Total:   len(items),
		Limit:   limit,
		Offset:  offset,
		HasMore: len(items) == limit,
	})
}

// HandleDeleteKnowledge handles DELETE /v1/knowledge/{id}.
func (h *Handlers) HandleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.svc.DeleteMine(r.Context(), PrincipalFromContext(r.Context()), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.IDResponse{ID: id})
}

// HandlePublishKnowledge handles POST /v1/knowledge/{id}/publish.
func (h *Handlers) HandlePublishKnowledge(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.PublishRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	item, err := h.svc.Publish(r.Context(), PrincipalFromContext(r.Context()), id, req.Public)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// HandleReportOutcome handles POST /v1/knowledge/{id}/outcome.
func (h *Handlers) HandleReportOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.ReportOutcomeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.svc.ReportOutcome(r.Context(), PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
