package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"taskboard/internal/auth"
	"taskboard/internal/backend"
	"taskboard/internal/blob"
	"taskboard/internal/board"
	"taskboard/internal/editor"
	"taskboard/internal/pages"
	"taskboard/internal/storage/sqlite"
)

// Options configures a Server.
type Options struct {
	Client    *backend.Client
	Boards    *board.Registry
	Passwords *auth.PasswordManager
	Tokens    *auth.TokenManager
	Logger    *slog.Logger
	StaticDir string
	// SecureCookies marks the session cookie as HTTPS only.
	SecureCookies bool
}

// Server provides HTTP handlers for the task board backend.
type Server struct {
	engine        *gin.Engine
	client        *backend.Client
	boards        *board.Registry
	pages         *pages.Builder
	passwords     *auth.PasswordManager
	tokens        *auth.TokenManager
	logger        *slog.Logger
	staticDir     string
	secureCookies bool
}

// New constructs the HTTP server with routes and middleware configured.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithWriter(gin.DefaultWriter, "/api/healthz"))

	srv := &Server{
		engine:        router,
		client:        opts.Client,
		boards:        opts.Boards,
		pages:         pages.New(opts.Client, opts.Boards, logger),
		passwords:     opts.Passwords,
		tokens:        opts.Tokens,
		logger:        logger,
		staticDir:     opts.StaticDir,
		secureCookies: opts.SecureCookies,
	}

	srv.registerRoutes()
	return srv
}

// Engine exposes the underlying Gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerRoutes wires all API and static handlers together.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/api")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/storage/:bucket/*path", s.handleDownload)
		api.GET("/pages/*path", s.identify(), s.handlePage)

		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.handleRegister)
			authGroup.POST("/login", s.handleLogin)
			authGroup.POST("/logout", s.handleLogout)
			authGroup.GET("/session", s.requireSession(), s.handleSession)
		}

		private := api.Group("", s.requireSession())

		projects := private.Group("/projects")
		{
			projects.GET("", s.handleListProjects)
			projects.POST("", s.handleCreateProject)
			projects.GET(":id", s.handleGetProject)
			projects.PUT(":id", s.handleUpdateProject)
			projects.DELETE(":id", s.handleDeleteProject)
			projects.GET(":id/board", s.handleBoard)
			projects.POST(":id/board/reorder", s.handleReorder)
			projects.POST(":id/tasks", s.handleCreateTask)
			projects.GET(":id/stages", s.handleListStages)
			projects.POST(":id/stages", s.handleCreateStages)
			projects.GET(":id/members", s.handleListMembers)
			projects.POST(":id/members", s.handleAddMember)
			projects.GET(":id/labels", s.handleListLabels)
			projects.GET(":id/activity", s.handleListActivity)
		}

		tasks := private.Group("/tasks")
		{
			tasks.GET(":id", s.handleGetTask)
			tasks.PUT(":id", s.handleUpdateTask)
			tasks.DELETE(":id", s.handleDeleteTask)
			tasks.POST(":id/move", s.handleMoveTask)
			tasks.POST(":id/mark", s.handleMarkTask)
			tasks.PUT(":id/deadline", s.handleSetDeadline)
			tasks.GET(":id/attachments", s.handleListAttachments)
			tasks.DELETE(":id/attachments/:attachmentID", s.handleRemoveAttachment)
			tasks.GET(":id/comments", s.handleListComments)
			tasks.POST(":id/comments", s.handlePostComment)
			tasks.POST(":id/labels", s.handleAddLabels)
			tasks.DELETE(":id/labels/:labelID", s.handleRemoveLabel)
		}

		private.PUT("/stages/:id", s.handleUpdateStage)
		private.DELETE("/stages/:id", s.handleDeleteStage)
		private.DELETE("/members/:id", s.handleRemoveMember)
		private.DELETE("/labels/:id", s.handleDeleteLabel)
		private.GET("/realtime/:table", s.handleRealtime)

		admin := private.Group("/admin", s.requireAdmin())
		{
			admin.GET("/users", s.handleListUsers)
			admin.PUT("/users/:id", s.handleUpdateUser)
			admin.DELETE("/users/:id", s.handleDeleteUser)
			admin.GET("/projects", s.handleAdminProjects)
		}
	}

	s.mountStatic()
}

// handleHealth reports readiness, including the database.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.client.Ping(c.Request.Context()); err != nil {
		s.respondError(c, http.StatusServiceUnavailable, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseID reads a uuid path parameter.
func parseID(c *gin.Context, name string) (string, bool) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identifier"})
		return "", false
	}
	return id.String(), true
}

// badRequest marks an error as caused by the client input.
type badRequest struct{ error }

func (e badRequest) Unwrap() error { return e.error }

func invalid(err error) error { return badRequest{err} }

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, sqlite.ErrNotFound), errors.Is(err, blob.ErrNotFound), errors.Is(err, board.ErrUnknownTask),
		errors.Is(err, editor.ErrNoAttachment):
		return http.StatusNotFound
	case errors.Is(err, sqlite.ErrConflict), errors.Is(err, blob.ErrExists),
		errors.Is(err, board.ErrSaveInProgress), errors.Is(err, editor.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, backend.ErrForbidden), errors.Is(err, blob.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, editor.ErrTitleRequired), errors.Is(err, editor.ErrCommentRequired),
		errors.Is(err, editor.ErrInvalidDeadline), errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, board.ErrDragDisabled),
		errors.Is(err, board.ErrNotDragging), errors.Is(err, board.ErrStageNotFound),
		errors.Is(err, blob.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail responds with the status matching err.
func (s *Server) fail(c *gin.Context, err error) {
	s.respondError(c, statusFor(err), err)
}

// respondError logs the error and returns a JSON payload.
func (s *Server) respondError(c *gin.Context, status int, err error) {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.Request.Context(), level, "request failed",
		slog.String("path", c.FullPath()), slog.Int("status", status), slog.String("error", err.Error()))
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// respondSuccess writes payload, or only the status when payload is nil.
func respondSuccess(c *gin.Context, status int, payload any) {
	if payload == nil {
		c.Status(status)
		return
	}
	c.JSON(status, payload)
}

// respondPartial returns payload with a warning for an operation that only
// partly succeeded.
func (s *Server) respondPartial(c *gin.Context, payload gin.H, err error) {
	s.logger.Warn("request completed with warnings", slog.String("path", c.FullPath()), slog.String("error", err.Error()))
	payload["warning"] = err.Error()
	c.JSON(http.StatusOK, payload)
}
