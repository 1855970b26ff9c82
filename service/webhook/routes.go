package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/algozhq/algoz-server/service/signals"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Payloads larger than this are not trade signals.
const maxPayloadBytes = 64 << 10

// WebhookHandler serves the public per-account receive endpoint and the
// authenticated webhook-URL lookup for the dashboard.
type WebhookHandler struct {
	registry *Registry
	log      *signals.Log
	cfg      *config.Config
}

func NewWebhookHandler(db *gorm.DB, cfg *config.Config, log *signals.Log) *WebhookHandler {
	return &WebhookHandler{
		registry: NewRegistry(db),
		log:      log,
		cfg:      cfg,
	}
}

// Registry exposes the registry for the user service, which issues
// endpoints during registration.
func (h *WebhookHandler) Registry() *Registry {
	return h.registry
}

// RegisterRoutes registers the authenticated webhook lookup under the API
// prefix. The receive endpoint is registered separately on the root router
// because charting tools post to <base>/webhook/<token> with no auth.
func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhook-url", utils.AuthMiddleware(h.GetWebhookURL)).Methods("GET")
}

// RegisterPublicRoutes registers the unauthenticated receive endpoint.
func (h *WebhookHandler) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/webhook/{token}", h.Receive).Methods("POST")
}

// GetWebhookURL returns the account's inbound URL.
func (h *WebhookHandler) GetWebhookURL(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	endpoint, err := h.registry.EndpointFor(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Webhook endpoint not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Error retrieving webhook endpoint", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"webhook_url": fmt.Sprintf("%s/webhook/%s", h.cfg.Server.BaseURL, endpoint.Token),
	})
}

// Receive ingests one delivery. The ack only depends on token resolution
// and the append itself, never on the downstream execution outcome, so the
// sender gets a fast response. Malformed payloads are stored as failed
// records but still acked, because the charting tool cannot retry
// intelligently.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]

	userID, err := h.registry.Resolve(token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Unknown webhook token", http.StatusNotFound)
			return
		}
		http.Error(w, "Error resolving webhook token", http.StatusInternalServerError)
		return
	}

	// Read one byte past the cap so oversize bodies are detected rather
	// than stored truncated.
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "Error reading payload", http.StatusInternalServerError)
		return
	}
	if len(payload) > maxPayloadBytes {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	record, err := h.log.Ingest(userID, payload)
	if err != nil {
		http.Error(w, "Error recording signal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"signal_id": record.ID,
		"status":    record.Status,
	})
}
