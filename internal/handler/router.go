package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"engagecrm/internal/middleware"
)

// NewRouter wires every HTTP route
func NewRouter(campaigns *CampaignHandler, health *HealthHandler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))

	router.HandleFunc("/health", health.HandleHealth).Methods(http.MethodGet)

	router.HandleFunc("/send-campaign", campaigns.SendCampaign).Methods(http.MethodPost)
	router.HandleFunc("/campaigns/{id}/progress", campaigns.Progress).Methods(http.MethodGet)
	router.HandleFunc("/campaigns/{id}/pause", campaigns.Pause).Methods(http.MethodPost)
	router.HandleFunc("/campaigns/{id}/preview", campaigns.Preview).Methods(http.MethodPost)

	return router
}
