package connections

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type ConnectionHandler struct {
	db *gorm.DB
}

func NewConnectionHandler(db *gorm.DB) *ConnectionHandler {
	return &ConnectionHandler{db: db}
}

func (h *ConnectionHandler) RegisterRoutes(router *mux.Router) {
	connectionRouter := router.PathPrefix("/connections").Subrouter()

	connectionRouter.HandleFunc("", utils.AuthMiddleware(h.CreateConnection)).Methods("POST")
	connectionRouter.HandleFunc("", utils.AuthMiddleware(h.GetConnections)).Methods("GET")
	connectionRouter.HandleFunc("/{id:[0-9]+}", utils.AuthMiddleware(h.GetConnection)).Methods("GET")
	connectionRouter.HandleFunc("/{id:[0-9]+}", utils.AuthMiddleware(h.UpdateConnection)).Methods("PUT")
	connectionRouter.HandleFunc("/{id:[0-9]+}", utils.AuthMiddleware(h.DeleteConnection)).Methods("DELETE")
}

// CreateConnection saves a broker API credential set for the account.
func (h *ConnectionHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var connection models.BrokerConnection
	if err := json.NewDecoder(r.Body).Decode(&connection); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if connection.AppName == "" || connection.Broker == "" {
		http.Error(w, "app_name and broker are required", http.StatusBadRequest)
		return
	}

	connection.UserID = userID
	connection.IsActive = true

	if err := h.db.Create(&connection).Error; err != nil {
		http.Error(w, "Error creating connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(connection)
}

// GetConnections lists the account's broker connections.
func (h *ConnectionHandler) GetConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var connections []models.BrokerConnection
	if err := h.db.Where("user_id = ?", userID).Find(&connections).Error; err != nil {
		http.Error(w, "Error retrieving connections", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connections)
}

// GetConnection retrieves a specific connection owned by the account.
func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	var connection models.BrokerConnection
	if err := h.db.Where("id = ? AND user_id = ?", id, userID).First(&connection).Error; err != nil {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connection)
}

// UpdateConnection updates name, credentials or the active flag.
func (h *ConnectionHandler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	var connection models.BrokerConnection
	if err := h.db.Where("id = ? AND user_id = ?", id, userID).First(&connection).Error; err != nil {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	var updated models.BrokerConnection
	if err := json.NewDecoder(r.Body).Decode(&updated); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	connection.AppName = updated.AppName
	connection.Broker = updated.Broker
	if updated.APIKey != "" {
		connection.APIKey = updated.APIKey
	}
	if updated.SecretKey != "" {
		connection.SecretKey = updated.SecretKey
	}
	connection.IsActive = updated.IsActive

	if err := h.db.Save(&connection).Error; err != nil {
		http.Error(w, "Error updating connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(connection)
}

// DeleteConnection removes a connection. Subscriptions referencing it are
// left in place and read as inactive from then on.
func (h *ConnectionHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	var connection models.BrokerConnection
	if err := h.db.Where("id = ? AND user_id = ?", id, userID).First(&connection).Error; err != nil {
		http.Error(w, "Connection not found", http.StatusNotFound)
		return
	}

	if err := h.db.Unscoped().Delete(&connection).Error; err != nil {
		http.Error(w, "Error deleting connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Connection deleted"})
}
