package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "procurebot/api/swagger" // swagger docs
	"procurebot/internal/config"
	"procurebot/internal/conversation"
	"procurebot/internal/database"
	"procurebot/internal/events"
	"procurebot/internal/extractor"
	"procurebot/internal/flow"
	"procurebot/internal/form"
	"procurebot/internal/handler"
	"procurebot/internal/middleware"
	"procurebot/internal/model"
	"procurebot/internal/pipeline"
	"procurebot/internal/repository"
	"procurebot/internal/repository/memstore"
	"procurebot/internal/service"
	"procurebot/internal/storage"
	"procurebot/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// stores is the repository set the services run on
type stores struct {
	requests repository.RequestRepository
	products repository.ProductRepository
	stock    repository.StockRepository
	users    repository.UserRepository
	sessions repository.SessionRepository
	audit    repository.AuditRepository
	tx       repository.TransactionManager
	ping     func() error
}

func openStores(cfg config.DatabaseConfig, logger *slog.Logger) (*stores, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using in-memory store, data is lost on exit")
		m := memstore.New()
		return &stores{
			requests: m.Requests(),
			products: m.Products(),
			stock:    m.Stock(),
			users:    m.Users(),
			sessions: m.Sessions(),
			audit:    m.Audit(),
			tx:       m,
			ping:     func() error { return nil },
		}, nil
	}

	db, err := database.NewConnection(cfg.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	logger.Info("Connected to PostgreSQL successfully")
	return &stores{
		requests: repository.NewRequestRepository(db),
		products: repository.NewProductRepository(db),
		stock:    repository.NewStockRepository(db),
		users:    repository.NewUserRepository(db),
		sessions: repository.NewSessionRepository(db),
		audit:    repository.NewAuditRepository(db),
		tx:       repository.NewTransactionManager(db),
		ping:     func() error { return database.Ping(db) },
	}, nil
}

func loadSchemas(file string) (*form.Catalog, error) {
	if file == "" {
		return form.DefaultCatalog()
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	return form.LoadCatalog(raw)
}

func serveCmd() *cobra.Command {
	var bootstrapAdmin string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the chat gateway endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger, bootstrapAdmin)
		},
	}
	cmd.Flags().StringVar(&bootstrapAdmin, "bootstrap-admin", "", "create admin user username:password if it does not exist")
	return cmd
}

func serve(parent context.Context, cfg config.Config, logger *slog.Logger, bootstrapAdmin string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg.Database, logger)
	if err != nil {
		return err
	}

	catalog, err := loadSchemas(cfg.Conversation.SchemasFile)
	if err != nil {
		return err
	}

	var structured extractor.Extractor = extractor.Disabled{}
	if cfg.Extractor.URL != "" {
		structured = extractor.NewHTTPClient(cfg.Extractor.URL,
			extractor.WithAPIKey(cfg.Extractor.APIKey),
			extractor.WithTimeout(cfg.Extractor.Timeout),
			extractor.WithLogger(logger),
		)
	} else {
		logger.Warn("No extractor configured, using the fallback parser only")
	}

	var media conversation.MediaStore = storage.Discard{}
	if cfg.S3.Bucket != "" {
		uploader, err := storage.NewUploader(ctx, cfg.S3)
		if err != nil {
			return err
		}
		media = uploader
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()

	// Services
	requestService := service.NewRequestService(st.requests, st.stock, st.products, st.users, st.audit, st.tx, publisher, logger)
	userService := service.NewUserService(st.users, cfg.JWT.Secret, cfg.JWT.Expiration)
	inventoryService := service.NewInventoryService(st.products, st.stock, st.audit, st.tx)
	auditService := service.NewAuditService(st.audit)

	if bootstrapAdmin != "" {
		if err := ensureAdmin(ctx, userService, bootstrapAdmin, logger); err != nil {
			return err
		}
	}

	// Conversation pipeline
	flows, err := flow.NewRegistry(catalog, requestService)
	if err != nil {
		return err
	}
	engine := conversation.NewEngine(catalog.Fallback(),
		conversation.WithExtractor(structured),
		conversation.WithMediaStore(media),
		conversation.WithExtractTimeout(cfg.Extractor.Timeout),
		conversation.WithEngineLogger(logger),
	)

	hub := websocket.NewHub(nil, logger)
	notifier := pipeline.NewNotifier(st.users, hub, logger)
	orchestrator := pipeline.NewOrchestrator(st.sessions, st.users, requestService, flows, engine, notifier, logger)
	dispatcher := pipeline.NewDispatcher(orchestrator, hub, cfg.Conversation.InboxSize, cfg.Conversation.IdleTimeout, logger)
	hub.SetDispatch(dispatcher.Dispatch)
	go hub.Run(ctx)

	auth := middleware.NewAuth(cfg.JWT.Secret, cfg.Server.SecureCookie)

	// Handlers
	userHandler := handler.NewUserHandler(userService, auth)
	requestHandler := handler.NewRequestHandler(requestService, inventoryService, auth)
	inventoryHandler := handler.NewInventoryHandler(inventoryService, auth)
	auditHandler := handler.NewAuditHandler(auditService, auth)
	chatHandler := handler.NewChatHandler(dispatcher, auth)
	systemHandler := handler.NewSystemHandler(map[string]handler.Probe{
		"database": st.ping,
		"gateway": func() error {
			if hub.Connected() == 0 {
				return websocket.ErrNoGateway
			}
			return nil
		},
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/ws", func(c *gin.Context) {
		websocket.ServeWs(hub, c, auth.Secret())
	})

	systemHandler.RegisterRoutes(router.Group(""))
	userHandler.RegisterRoutes(router.Group(""))
	requestHandler.RegisterRoutes(router.Group(""))
	inventoryHandler.RegisterRoutes(router.Group(""))
	auditHandler.RegisterRoutes(router.Group(""))
	chatHandler.RegisterRoutes(router.Group(""))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	dispatcher.Close()
	return nil
}

func ensureAdmin(ctx context.Context, users service.UserService, spec string, logger *slog.Logger) error {
	name, password, ok := strings.Cut(spec, ":")
	if !ok || name == "" || password == "" {
		return errors.New("bootstrap-admin must be username:password")
	}
	_, err := users.CreateUser(ctx, service.CreateUserRequest{
		Username:    name,
		DisplayName: name,
		Password:    password,
		Role:        model.RoleAdmin,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			logger.Info("Bootstrap admin already present", "username", name)
			return nil
		}
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logger.Info("Bootstrap admin created", "username", name)
	return nil
}
