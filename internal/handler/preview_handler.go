package handler

import (
	"net/http"
)

// PreviewRequest represents the request body for message preview
type PreviewRequest struct {
	ContactID string `json:"contactId" validate:"required,uuid"`
}

// Preview handles POST /campaigns/{id}/preview
func (h *CampaignHandler) Preview(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "id", "campaign")
	if !ok {
		return
	}

	var req PreviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.campaignService.Preview(r.Context(), campaignID, req.ContactID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = WriteOK(w, result)
}
