package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"engagecrm/internal/models"
	"engagecrm/internal/service"
)

// CampaignService is the campaign surface the HTTP layer calls
type CampaignService interface {
	Trigger(ctx context.Context, req service.TriggerRequest) (*service.TriggerResult, error)
	Pause(ctx context.Context, campaignID string) (*models.Campaign, error)
	Progress(ctx context.Context, campaignID string) (*models.CampaignProgress, error)
	Preview(ctx context.Context, campaignID, contactID string) (*service.PreviewResult, error)
}

// CampaignHandler handles HTTP requests for campaign operations
type CampaignHandler struct {
	campaignService CampaignService
	validate        *validator.Validate
	logger          *zap.Logger
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignService CampaignService, logger *zap.Logger) *CampaignHandler {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &CampaignHandler{
		campaignService: campaignService,
		validate:        validate,
		logger:          logger.With(zap.String("component", "campaign_handler")),
	}
}

// SendCampaign handles POST /send-campaign - starts or resumes a campaign
func (h *CampaignHandler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	var req service.TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.campaignService.Trigger(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = WriteOK(w, result)
}

// Progress handles GET /campaigns/{id}/progress
func (h *CampaignHandler) Progress(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "id", "campaign")
	if !ok {
		return
	}

	progress, err := h.campaignService.Progress(r.Context(), campaignID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = WriteOK(w, progress)
}

// Pause handles POST /campaigns/{id}/pause
func (h *CampaignHandler) Pause(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := pathUUID(w, r, "id", "campaign")
	if !ok {
		return
	}

	campaign, err := h.campaignService.Pause(r.Context(), campaignID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = WriteOK(w, campaign)
}

// decode parses and validates a JSON body, writing the error response itself
func (h *CampaignHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Request body is empty")
			return false
		}
		WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON format")
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		WriteValidationError(w, validationMessage(err))
		return false
	}
	return true
}

// pathUUID reads the named route variable; resource labels the error message
func pathUUID(w http.ResponseWriter, r *http.Request, name, resource string) (string, bool) {
	raw := mux.Vars(r)[name]
	id, err := uuid.Parse(raw)
	if err != nil {
		WriteValidationError(w, fmt.Sprintf("invalid %s ID", resource))
		return "", false
	}
	return id.String(), true
}
