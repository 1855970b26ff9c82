package user

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"github.com/algozhq/algoz-server/service/webhook"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Client codes start here; the account id provides the increment.
const clientCodeBase = 100000

type Handler struct {
	db       *gorm.DB
	cfg      *config.Config
	registry *webhook.Registry
}

func NewHandler(db *gorm.DB, cfg *config.Config, registry *webhook.Registry) *Handler {
	return &Handler{db: db, cfg: cfg, registry: registry}
}

// RegisterRoutes sets up all account-related routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/login", h.handleLogin).Methods("POST")
	router.HandleFunc("/register", h.HandleRegister).Methods("POST")
	router.HandleFunc("/refresh", h.handleRefreshToken).Methods("POST")
	router.HandleFunc("/me", utils.AuthMiddleware(h.GetProfile)).Methods("GET")
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&loginRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var account models.Account
	result := h.db.Where("email = ?", loginRequest.Email).First(&account)
	if result.Error != nil {
		http.Error(w, "Account not found", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(loginRequest.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	accessToken, err := generateJWT(account.ID, 15)
	if err != nil {
		http.Error(w, "Error generating access token", http.StatusInternalServerError)
		return
	}

	refreshToken, err := generateRefreshToken(account.ID)
	if err != nil {
		http.Error(w, "Error generating refresh token", http.StatusInternalServerError)
		return
	}

	if err := saveRefreshToken(h.db, account.ID, refreshToken); err != nil {
		http.Error(w, "Error saving refresh token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":       "Login successful",
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"user_id":       account.ID,
		"client_code":   account.ClientCode,
		"is_admin":      account.IsAdmin,
	})
}

// HandleRegister creates the account, seeds its wallet and issues its
// webhook endpoint in one database transaction.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var registerRequest struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Phone    string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&registerRequest); err != nil {
		http.Error(w, "Invalid JSON input", http.StatusBadRequest)
		return
	}

	if registerRequest.Username == "" || registerRequest.Email == "" || registerRequest.Password == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	var existing models.Account
	if result := h.db.Where("email = ? OR username = ?", registerRequest.Email, registerRequest.Username).First(&existing); !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		if result.Error != nil {
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}

		var errorMessage string
		if existing.Email == registerRequest.Email {
			errorMessage = "Email is already in use"
		} else {
			errorMessage = "Username is already in use"
		}
		log.Printf("Registration attempt with duplicate: %s", errorMessage)
		http.Error(w, errorMessage, http.StatusConflict)
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(registerRequest.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Error hashing password", http.StatusInternalServerError)
		return
	}

	bonus := h.cfg.Wallet.SignupBonus

	var account models.Account
	var endpoint *models.WebhookEndpoint

	err = h.db.Transaction(func(tx *gorm.DB) error {
		account = models.Account{
			Username:     registerRequest.Username,
			Email:        registerRequest.Email,
			Phone:        registerRequest.Phone,
			PasswordHash: string(passwordHash),
			Balance:      bonus,
		}
		// Placeholder until the id exists; client codes derive from it.
		account.ClientCode = -time.Now().UnixNano()

		if err := tx.Create(&account).Error; err != nil {
			return err
		}

		account.ClientCode = clientCodeBase + int64(account.ID)
		if err := tx.Model(&account).Update("client_code", account.ClientCode).Error; err != nil {
			return err
		}

		if bonus > 0 {
			txn := models.CreditTransaction{
				UserID:      account.ID,
				Amount:      bonus,
				Type:        models.TransactionPurchase,
				Description: "Sign-up bonus",
				Reference:   uuid.NewString(),
			}
			if err := tx.Create(&txn).Error; err != nil {
				return err
			}
		}

		endpoint, err = h.registry.Issue(tx, account.ID)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key") {
			http.Error(w, "Email or username is already in use", http.StatusConflict)
			return
		}
		log.Printf("Registration error: %v", err)
		http.Error(w, "Error registering account", http.StatusInternalServerError)
		return
	}

	webhookURL := fmt.Sprintf("%s/webhook/%s", h.cfg.Server.BaseURL, endpoint.Token)

	go func() {
		if err := utils.SendWelcomeEmail(account.Email, account.Username, account.ClientCode, webhookURL); err != nil {
			log.Printf("Error sending welcome email: %v", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "Account registered successfully",
		"user_id":     account.ID,
		"client_code": account.ClientCode,
		"webhook_url": webhookURL,
		"balance":     account.Balance,
	})
}

func (h *Handler) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	var refreshRequest struct {
		RefreshToken string `json:"refresh_token"`
	}

	if err := json.NewDecoder(r.Body).Decode(&refreshRequest); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	var account models.Account
	if err := h.db.Where("refresh_token = ?", refreshRequest.RefreshToken).First(&account).Error; err != nil {
		http.Error(w, "Invalid refresh token", http.StatusUnauthorized)
		return
	}

	if account.RefreshTokenExpiredAt.Before(time.Now()) {
		http.Error(w, "Refresh token expired", http.StatusUnauthorized)
		return
	}

	newAccessToken, err := generateJWT(account.ID, 15)
	if err != nil {
		http.Error(w, "Error generating new token", http.StatusInternalServerError)
		return
	}

	// Rotate the refresh token on every use.
	newRefreshToken, err := generateRefreshToken(account.ID)
	if err != nil {
		http.Error(w, "Error generating refresh token", http.StatusInternalServerError)
		return
	}

	if err := saveRefreshToken(h.db, account.ID, newRefreshToken); err != nil {
		http.Error(w, "Error updating refresh token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"access_token":  newAccessToken,
		"refresh_token": newRefreshToken,
	})
}

// GetProfile returns the authenticated account.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var account models.Account
	if err := h.db.First(&account, userID).Error; err != nil {
		http.Error(w, "Account not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(account)
}

func generateJWT(userID uint, expirationMinutes int) (string, error) {
	claims := &jwt.RegisteredClaims{
		Subject:   fmt.Sprint(userID),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute * time.Duration(expirationMinutes))),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(os.Getenv("SECRET_KEY")))
}

func generateRefreshToken(userID uint) (string, error) {
	b := make([]byte, 32)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}

	// HMAC ties the token to the account it was minted for.
	mac := hmac.New(sha256.New, []byte(os.Getenv("SECRET_KEY")))
	mac.Write([]byte(strconv.FormatUint(uint64(userID), 10)))
	mac.Write(b)

	signature := mac.Sum(nil)
	return fmt.Sprintf("%d_%x_%x", userID, b, signature), nil
}

func saveRefreshToken(db *gorm.DB, userID uint, refreshToken string) error {
	expirationTime := time.Now().Add(30 * 24 * time.Hour)
	return db.Model(&models.Account{}).Where("id = ?", userID).Updates(map[string]interface{}{
		"refresh_token":            refreshToken,
		"refresh_token_expired_at": expirationTime,
	}).Error
}
