package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/algozhq/algoz-server/service/entitlement"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// AccountSummary is one row of the admin account table.
type AccountSummary struct {
	ID              uint   `json:"id"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	ClientCode      int64  `json:"client_code"`
	IsAdmin         bool   `json:"is_admin"`
	Balance         int64  `json:"balance"`
	ConnectionCount int64  `json:"connection_count"`
}

type AdminHandler struct {
	db     *gorm.DB
	ledger *entitlement.Ledger
}

func NewAdminHandler(db *gorm.DB, ledger *entitlement.Ledger) *AdminHandler {
	return &AdminHandler{db: db, ledger: ledger}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	adminRouter := router.PathPrefix("/admin").Subrouter()

	adminRouter.HandleFunc("/accounts", utils.AdminMiddleware(h.db, h.ListAccounts)).Methods("GET")
	adminRouter.HandleFunc("/accounts/{id:[0-9]+}/balance", utils.AdminMiddleware(h.db, h.AdjustBalance)).Methods("POST")
	adminRouter.HandleFunc("/accounts/{id:[0-9]+}/transactions", utils.AdminMiddleware(h.db, h.GetAccountTransactions)).Methods("GET")
}

// ListAccounts returns every account with its balance and connection count.
func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	var accounts []models.Account
	if err := h.db.Order("id").Find(&accounts).Error; err != nil {
		http.Error(w, "Error retrieving accounts", http.StatusInternalServerError)
		return
	}

	summaries := make([]AccountSummary, 0, len(accounts))
	for _, account := range accounts {
		var connectionCount int64
		if err := h.db.Model(&models.BrokerConnection{}).
			Where("user_id = ?", account.ID).Count(&connectionCount).Error; err != nil {
			http.Error(w, "Error counting connections", http.StatusInternalServerError)
			return
		}

		summaries = append(summaries, AccountSummary{
			ID:              account.ID,
			Username:        account.Username,
			Email:           account.Email,
			ClientCode:      account.ClientCode,
			IsAdmin:         account.IsAdmin,
			Balance:         account.Balance,
			ConnectionCount: connectionCount,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": summaries})
}

// AdjustBalance applies an administrator balance adjustment with a reason.
func (h *AdminHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	var req struct {
		Amount      int64  `json:"amount"`
		Direction   string `json:"direction"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	txn, err := h.ledger.AdjustBalance(uint(id), req.Amount, req.Direction, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "Account not found", http.StatusNotFound)
		case errors.Is(err, models.ErrInsufficientBalance):
			http.Error(w, "Deduction would take balance negative", http.StatusPaymentRequired)
		case errors.Is(err, models.ErrInvalidTransition):
			http.Error(w, "Amount must be positive and direction add or deduct", http.StatusBadRequest)
		default:
			http.Error(w, "Error adjusting balance", http.StatusInternalServerError)
		}
		return
	}

	var account models.Account
	if err := h.db.First(&account, id).Error; err != nil {
		http.Error(w, "Error reloading account", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction": txn,
		"balance":     account.Balance,
	})
}

// GetAccountTransactions returns the full ledger history for one account.
func (h *AdminHandler) GetAccountTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 32)
	if err != nil {
		http.Error(w, "Invalid account ID", http.StatusBadRequest)
		return
	}

	var transactions []models.CreditTransaction
	if err := h.db.Where("user_id = ?", id).Order("created_at DESC").Find(&transactions).Error; err != nil {
		http.Error(w, "Error retrieving transactions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": transactions})
}
