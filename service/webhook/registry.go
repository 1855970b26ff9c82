package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/algozhq/algoz-server/cmd/models"
	"github.com/algozhq/algoz-server/cmd/utils"
	"gorm.io/gorm"
)

const maxTokenAttempts = 5

// Registry issues and resolves the one inbound webhook endpoint each
// account gets. Tokens are write-once: issuance fails if the account
// already has one, and a generation collision triggers a retry instead of
// an overwrite.
type Registry struct {
	db *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Issue creates the account's endpoint. It is called once at sign-up and
// returns ErrAlreadyExists on any later call, keeping the token immutable.
func (reg *Registry) Issue(tx *gorm.DB, userID uint) (*models.WebhookEndpoint, error) {
	if tx == nil {
		tx = reg.db
	}

	var count int64
	if err := tx.Model(&models.WebhookEndpoint{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, models.ErrAlreadyExists
	}

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := utils.GenerateToken(utils.WebhookTokenLength)
		if err != nil {
			return nil, err
		}

		endpoint := models.WebhookEndpoint{UserID: userID, Token: token}
		err = tx.Create(&endpoint).Error
		if err == nil {
			return &endpoint, nil
		}
		if isUniqueViolation(err) {
			// A duplicate user_id means a concurrent Issue won; a
			// duplicate token means the generator collided and we retry.
			var existing models.WebhookEndpoint
			if lookErr := tx.Where("user_id = ?", userID).First(&existing).Error; lookErr == nil {
				return nil, models.ErrAlreadyExists
			}
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("webhook token generation kept colliding after %d attempts", maxTokenAttempts)
}

// Resolve maps a token back to the owning account id.
func (reg *Registry) Resolve(token string) (uint, error) {
	var endpoint models.WebhookEndpoint
	err := reg.db.Where("token = ?", token).First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return endpoint.UserID, nil
}

// EndpointFor returns the account's endpoint.
func (reg *Registry) EndpointFor(userID uint) (*models.WebhookEndpoint, error) {
	var endpoint models.WebhookEndpoint
	err := reg.db.Where("user_id = ?", userID).First(&endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key")
}
