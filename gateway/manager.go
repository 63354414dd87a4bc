package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ollamax/ollamax/config"
)

// Version is stamped at build time.
var Version = "dev"

// Manager wires the gateway together: routing, auth, dispatch queues, health
// probes and usage accounting behind one gin engine.
type Manager struct {
	cfg    config.Config
	repo   Repository
	logger *LogMonitor

	dispatcher *Dispatcher
	scheduler  *Scheduler
	usage      *UsageMonitor
	telemetry  *Telemetry

	ginEngine   *gin.Engine
	proxyClient *http.Client

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func New(cfg config.Config, repo Repository) (*Manager, error) {
	logger := NewLogMonitor(ParseLogLevel(cfg.LogLevel))

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	telemetry, err := NewTelemetry(shutdownCtx, cfg, logger)
	if err != nil {
		shutdownCancel()
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		repo:       repo,
		logger:     logger,
		dispatcher: NewDispatcher(),
		scheduler:  NewScheduler(repo, time.Duration(cfg.ServerCheckInterval)*time.Second, logger),
		usage:      NewUsageMonitor(1000, logger),
		telemetry:  telemetry,
		ginEngine:  gin.New(),
		// no global timeout, generations stream for minutes
		proxyClient:    &http.Client{},
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
	m.setupRoutes()
	return m, nil
}

func (m *Manager) setupRoutes() {
	e := m.ginEngine
	e.Use(gin.Recovery())
	e.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", continueProjectHeader},
		MaxAge:          12 * time.Hour,
	}))

	// Ollama surface, also mounted under /ollama for IDE plugin configs
	for _, g := range []*gin.RouterGroup{e.Group("/"), e.Group("/ollama")} {
		api := g.Group("/api", m.requireUser())
		api.POST("/chat", m.handleChat())
		api.POST("/generate", m.handleGenerate())
		// every embeddings variant maps to the backend's /api/embeddings
		api.POST("/embeddings", m.handleEmbeddings("/api/embeddings"))
		api.POST("/embed", m.handleEmbeddings("/api/embeddings"))
		api.GET("/tags", m.handleTags())
		api.GET("/ps", m.handlePs())
		api.POST("/show", m.handleShow())
		api.GET("/version", m.handleVersion())
	}

	// OpenAI surface
	v1 := e.Group("/v1", m.requireUser())
	v1.GET("/models", m.handleOpenAIModels())
	v1.POST("/chat/completions", m.handleOpenAIChatCompletions())
	v1.POST("/completions", m.handleOpenAICompletions())
	v1.POST("/embeddings", m.handleOpenAIEmbeddings())

	// identity
	e.POST("/token", m.handleToken())
	e.POST("/api/user/.login", m.handleToken())
	e.GET("/api/user/me", m.requireUser(), m.handleUserMe())
	user := e.Group("/user")
	user.GET("/.register", m.handleUserRegister())
	user.POST("/.register", m.handleUserRegister())
	user.GET("/.me", m.requireUser(), m.handleUserMe())
	user.POST("/.reset-key", m.requireUser(), m.handleUserResetKey())
	user.POST("/.create", m.requireAdmin(), m.handleUserCreate())
	user.GET("/.one", m.requireAdmin(), m.handleUserOne())
	user.GET("/.all", m.requireAdmin(), m.handleUserList())
	user.GET("/.list", m.requireAdmin(), m.handleUserList())
	user.DELETE("/:user_id", m.requireAdmin(), m.handleUserDelete())

	// backend administration
	server := e.Group("/server", m.requireAdmin())
	server.POST("/.create", m.handleServerCreate())
	server.GET("/.one", m.handleServerOne())
	server.GET("/.list", m.handleServerList())
	server.POST("/.update", m.handleServerUpdate())
	server.DELETE("/:server_id", m.handleServerDelete())
	server.GET("/:server_id/model.list", m.handleServerModelList())
	server.POST("/:server_id/model.pull", m.handleServerModelPull())
	server.DELETE("/:server_id/model.delete", m.handleServerModelDelete())
	server.POST("/:server_id/model.delete", m.handleServerModelDelete())

	// continue.dev projects
	cont := e.Group("/continue")
	cont.GET("/sync", m.handleProjectSync())
	cont.GET("/.all", m.requireUser(), m.handleProjectList())
	cont.POST("/.create", m.requireUser(), m.handleProjectCreate())
	cont.GET("/.join", m.handleProjectJoinByKey())
	cont.POST("/.join/:invite_id", m.requireUser(), m.handleProjectJoin())
	cont.GET("/:project_id", m.requireUser(), m.handleProjectGet())
	cont.PUT("/:project_id/.edit", m.requireUser(), m.handleProjectEdit())
	cont.POST("/:project_id/.reset-invite-id", m.requireUser(), m.handleProjectResetInvite())

	// refact.ai plugin surface
	refact := e.Group("/refact", m.requireUser())
	refact.GET("/coding_assistant_caps.json", m.handleRefactCaps())
	refact.POST("/stats/telemetry-basic", m.handleRefactTelemetry())
	refact.POST("/stats/telemetry-snippets", m.handleRefactTelemetry())

	// operations
	e.GET("/logs", m.requireAdmin(), m.handleLogs())
	e.GET("/logs/stream", m.requireAdmin(), m.handleLogsStream())
	e.GET("/usage", m.requireAdmin(), m.handleUsage())
	e.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start launches the background health scheduler.
func (m *Manager) Start() error {
	return m.scheduler.Start(m.shutdownCtx)
}

// Run starts the HTTP listener and blocks.
func (m *Manager) Run(addr string) error {
	m.logger.Infof("gateway listening on %s", addr)
	return m.ginEngine.Run(addr)
}

// ServeHTTP lets the manager be used as a plain http.Handler.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.ginEngine.ServeHTTP(w, r)
}

// Shutdown stops background work and flushes telemetry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownCancel()
	m.scheduler.Stop()
	m.dispatcher.Close()
	m.usage.Close()
	return m.telemetry.Shutdown(ctx)
}

// Logger exposes the gateway log monitor for the main package.
func (m *Manager) Logger() *LogMonitor {
	return m.logger
}
