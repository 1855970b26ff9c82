package api

import (
	"log"
	"net/http"
	"os"

	"github.com/algozhq/algoz-server/cmd/config"
	"github.com/algozhq/algoz-server/service/admin"
	"github.com/algozhq/algoz-server/service/connections"
	"github.com/algozhq/algoz-server/service/entitlement"
	"github.com/algozhq/algoz-server/service/feed"
	"github.com/algozhq/algoz-server/service/signals"
	"github.com/algozhq/algoz-server/service/user"
	"github.com/algozhq/algoz-server/service/wallet"
	"github.com/algozhq/algoz-server/service/webhook"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
	cfg     *config.Config
}

func NewApiServer(address string, db *gorm.DB, cfg *config.Config) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
		cfg:     cfg,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	hub := feed.NewHub()
	hub.RegisterRoutes(router)

	signalHandler := signals.NewSignalHandler(s.db, hub)
	signalHandler.RegisterRoutes(subrouter)

	webhookHandler := webhook.NewWebhookHandler(s.db, s.cfg, signalHandler.Log())
	webhookHandler.RegisterRoutes(subrouter)
	// Charting tools post straight to <base>/webhook/<token>.
	webhookHandler.RegisterPublicRoutes(router)

	userHandler := user.NewHandler(s.db, s.cfg, webhookHandler.Registry())
	userHandler.RegisterRoutes(subrouter)

	connectionHandler := connections.NewConnectionHandler(s.db)
	connectionHandler.RegisterRoutes(subrouter)

	entitlementHandler := entitlement.NewEntitlementHandler(s.db, s.cfg)
	entitlementHandler.RegisterRoutes(subrouter)

	walletHandler := wallet.NewWalletHandler(s.db, entitlementHandler.Ledger())
	walletHandler.RegisterRoutes(subrouter)

	adminHandler := admin.NewAdminHandler(s.db, entitlementHandler.Ledger())
	adminHandler.RegisterRoutes(subrouter)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, handlers.LoggingHandler(os.Stdout, cors(router)))
}
