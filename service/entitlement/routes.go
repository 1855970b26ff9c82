package entitlement

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Response is a standardized API response structure
type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// EntitlementHandler exposes the ledger over HTTP for the dashboard.
type EntitlementHandler struct {
	ledger *Ledger
}

func NewEntitlementHandler(db *gorm.DB, cfg *config.Config) *EntitlementHandler {
	return &EntitlementHandler{ledger: NewLedger(db, cfg)}
}

// Ledger exposes the underlying ledger for other services (admin).
func (h *EntitlementHandler) Ledger() *Ledger {
	return h.ledger
}

// RegisterRoutes registers entitlement routes
func (h *EntitlementHandler) RegisterRoutes(router *mux.Router) {
	entitlementRouter := router.PathPrefix("/entitlements").Subrouter()

	entitlementRouter.HandleFunc("/{feature}", utils.AuthMiddleware(h.GetFeatureState)).Methods("GET")
	entitlementRouter.HandleFunc("/{feature}/enable", utils.AuthMiddleware(h.EnableFeature)).Methods("POST")
	entitlementRouter.HandleFunc("/{feature}/disable", utils.AuthMiddleware(h.DisableFeature)).Methods("POST")
}

type enableRequest struct {
	ConnectionID  uint   `json:"connection_id"`
	ConnectionIDs []uint `json:"connection_ids"`
}

type enableResponse struct {
	Subscriptions []models.Subscription `json:"subscriptions"`
	Charged       int64                 `json:"charged"`
}

// EnableFeature activates a feature window. Copy trading accepts a batch of
// connection ids and charges once for the uncovered ones; the other
// features take a single connection id.
func (h *EntitlementHandler) EnableFeature(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	feature := mux.Vars(r)["feature"]

	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var resp enableResponse
	if feature == models.FeatureCopyTrading {
		ids := req.ConnectionIDs
		if len(ids) == 0 && req.ConnectionID != 0 {
			ids = []uint{req.ConnectionID}
		}
		subs, charged, err := h.ledger.EnableBatch(userID, ids)
		if err != nil {
			h.respondLedgerError(w, err)
			return
		}
		resp = enableResponse{Subscriptions: subs, Charged: charged}
	} else {
		if req.ConnectionID == 0 {
			h.respondWithError(w, http.StatusBadRequest, "connection_id is required")
			return
		}
		sub, chargedFlag, err := h.ledger.Enable(userID, feature, req.ConnectionID)
		if err != nil {
			h.respondLedgerError(w, err)
			return
		}
		resp = enableResponse{Subscriptions: []models.Subscription{*sub}}
		if chargedFlag {
			resp.Charged = h.ledger.cfg.FeatureCost(feature)
		}
	}

	h.respondWithJSON(w, http.StatusOK, Response{Data: resp})
}

// DisableFeature turns the display state off without touching the paid
// window.
func (h *EntitlementHandler) DisableFeature(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	feature := mux.Vars(r)["feature"]

	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if feature == models.FeatureCopyTrading && req.ConnectionID == 0 {
		if err := h.ledger.DisableBatch(userID); err != nil {
			h.respondLedgerError(w, err)
			return
		}
	} else {
		if err := h.ledger.Disable(userID, feature, req.ConnectionID); err != nil {
			h.respondLedgerError(w, err)
			return
		}
	}

	h.respondWithJSON(w, http.StatusOK, Response{Data: map[string]string{"message": "Feature disabled"}})
}

// GetFeatureState reports the per-connection subscription state for a
// feature, with expiry evaluated lazily at read time.
func (h *EntitlementHandler) GetFeatureState(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	feature := mux.Vars(r)["feature"]

	states, err := h.ledger.State(userID, feature)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, Response{Data: states})
}

func (h *EntitlementHandler) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, "Connection not found")
	case errors.Is(err, models.ErrInsufficientBalance):
		h.respondWithError(w, http.StatusPaymentRequired, "Insufficient Z Coins balance")
	case errors.Is(err, models.ErrConflict):
		h.respondWithError(w, http.StatusConflict, "Concurrent update, please retry")
	case errors.Is(err, models.ErrInvalidTransition):
		h.respondWithError(w, http.StatusBadRequest, "Invalid feature or request")
	default:
		h.respondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}

// Helper function to respond with an error
func (h *EntitlementHandler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, Response{Error: message})
}

// Helper function to respond with JSON
func (h *EntitlementHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
