package utils

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/gomail.v2"
)

// SendWelcomeEmail sends the post-registration email carrying the account's
// client code and webhook URL. SMTP settings come from the environment.
func SendWelcomeEmail(email, username string, clientCode int64, webhookURL string) error {
	smtpHost := os.Getenv("SMTP_HOST")
	smtpPort := os.Getenv("SMTP_PORT")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")

	m := gomail.NewMessage()
	m.SetHeader("From", smtpUser)
	m.SetHeader("To", email)
	m.SetHeader("Subject", "Welcome to AlgoZ")
	m.SetBody("text/plain", fmt.Sprintf(
		"Hi %s,\n\nYour account is ready.\n\nClient code: %d\nWebhook URL: %s\n\nPoint your TradingView alerts at the webhook URL above once your integration is enabled.",
		username, clientCode, webhookURL))

	port, err := strconv.Atoi(smtpPort)
	if err != nil {
		return fmt.Errorf("invalid SMTP port: %v", err)
	}
	d := gomail.NewDialer(smtpHost, port, smtpUser, smtpPass)

	return d.DialAndSend(m)
}
