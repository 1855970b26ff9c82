package signals

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type SignalHandler struct {
	log *Log
}

func NewSignalHandler(db *gorm.DB, publisher Publisher) *SignalHandler {
	return &SignalHandler{log: NewLog(db, publisher)}
}

// Log exposes the ingestion log for the webhook receiver.
func (h *SignalHandler) Log() *Log {
	return h.log
}

func (h *SignalHandler) RegisterRoutes(router *mux.Router) {
	signalRouter := router.PathPrefix("/signals").Subrouter()

	signalRouter.HandleFunc("", utils.AuthMiddleware(h.GetSignals)).Methods("GET")
	signalRouter.HandleFunc("/{id:[0-9]+}", utils.AuthMiddleware(h.GetSignalByID)).Methods("GET")
	signalRouter.HandleFunc("/{id:[0-9]+}/finalize", utils.AuthMiddleware(h.FinalizeSignal)).Methods("POST")
	signalRouter.HandleFunc("/stats", utils.AuthMiddleware(h.GetSignalStats)).Methods("GET")
}

// GetSignals lists the authenticated account's trade log, newest first,
// with keyset pagination via the before_id query parameter.
func (h *SignalHandler) GetSignals(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	limit := 20
	if query.Get("limit") != "" {
		parsedLimit, err := strconv.Atoi(query.Get("limit"))
		if err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	var beforeID uint
	if query.Get("before_id") != "" {
		parsed, err := strconv.ParseUint(query.Get("before_id"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid before_id parameter", http.StatusBadRequest)
			return
		}
		beforeID = uint(parsed)
	}

	records, err := h.log.ListRecent(userID, limit, beforeID)
	if err != nil {
		http.Error(w, "Error retrieving signals", http.StatusInternalServerError)
		return
	}

	// The next page starts below the smallest id on this one.
	var nextBefore uint
	if len(records) > 0 {
		nextBefore = records[len(records)-1].ID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":           records,
		"next_before_id": nextBefore,
	})
}

// GetSignalByID retrieves a specific signal record
func (h *SignalHandler) GetSignalByID(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid signal ID", http.StatusBadRequest)
		return
	}

	record, err := h.log.Get(uint(id))
	if err != nil {
		http.Error(w, "Signal not found", http.StatusNotFound)
		return
	}

	if record.UserID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// FinalizeSignal is called by the execution step once a pending delivery
// has been acted on. Records belong to the account whose webhook received
// them; nobody else may finalize them.
func (h *SignalHandler) FinalizeSignal(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	vars := mux.Vars(r)
	id, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid signal ID", http.StatusBadRequest)
		return
	}

	existing, err := h.log.Get(uint(id))
	if err != nil {
		http.Error(w, "Signal not found", http.StatusNotFound)
		return
	}
	if existing.UserID != userID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	record, err := h.log.Finalize(uint(id), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "Signal not found", http.StatusNotFound)
		case errors.Is(err, models.ErrInvalidTransition):
			http.Error(w, "Signal is not pending", http.StatusConflict)
		default:
			http.Error(w, "Error finalizing signal", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

// GetSignalStats returns delivery counts for the authenticated account.
func (h *SignalHandler) GetSignalStats(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	stats, err := h.log.StatsFor(userID)
	if err != nil {
		http.Error(w, "Error retrieving stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
