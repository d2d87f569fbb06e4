package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"engagecrm/internal/service"
)

// ErrorResponse is the error body of every endpoint
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a structured JSON error response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteOK writes a 200 OK response with the given data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteValidationError writes a 400 Bad Request response with VALIDATION_ERROR code
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", message)
}

// WriteInternalError hides internal details from the client
func WriteInternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal error occurred")
}

// HandleServiceError maps service layer errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var (
		notFound      *service.NotFoundError
		validation    *service.ValidationError
		businessLogic *service.BusinessLogicError
		conflict      *service.ConflictError
		configuration *service.ConfigurationError
		noRecipients  *service.NoRecipientsError
	)

	switch {
	case errors.As(err, &notFound):
		WriteError(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", notFound.Error())
	case errors.As(err, &validation):
		WriteValidationError(w, validation.Message)
	case errors.As(err, &businessLogic):
		WriteError(w, http.StatusBadRequest, "BUSINESS_LOGIC_ERROR", businessLogic.Message)
	case errors.As(err, &conflict):
		WriteError(w, http.StatusConflict, "CONFLICT", conflict.Message)
	case errors.As(err, &configuration):
		logger.Warn("Campaign channel misconfigured", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "CONFIGURATION_ERROR", configuration.Message)
	case errors.As(err, &noRecipients):
		WriteError(w, http.StatusInternalServerError, "NO_RECIPIENTS", noRecipients.Error())
	default:
		logger.Error("Unhandled service error", zap.Error(err))
		WriteInternalError(w)
	}
}

// validationMessage flattens validator errors into one line
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
