package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/parkside-labs/labbook/internal/audit"
	"github.com/parkside-labs/labbook/internal/auth"
	"github.com/parkside-labs/labbook/internal/docstore"
	"github.com/parkside-labs/labbook/internal/experiments"
	"github.com/parkside-labs/labbook/internal/genai"
	"github.com/parkside-labs/labbook/internal/notify"
	"github.com/parkside-labs/labbook/internal/pipeline"
	"github.com/parkside-labs/labbook/internal/projects"
	"github.com/parkside-labs/labbook/internal/users"
	"github.com/parkside-labs/labbook/internal/workflow"
)

const accountContextKey = "labbook_account"

var (
	errMissingVerifier      = errors.New("google verifier dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAccounts      = errors.New("account service dependency required")
	errMissingProjects      = errors.New("project service dependency required")
	errMissingExperiments   = errors.New("experiment service dependency required")
	errMissingWorkflow      = errors.New("workflow engine dependency required")
	errMissingPipeline      = errors.New("pipeline dependency required")
	errMissingNotifications = errors.New("notification service dependency required")
	errMissingAudit         = errors.New("audit recorder dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// GoogleVerifier validates Google ID tokens during login.
type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

// TokenManager issues and validates backend API tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject, role string) (string, int64, error)
	ValidateToken(token string) (string, string, error)
}

// Dependencies bundles everything the router needs.
type Dependencies struct {
	GoogleVerifier GoogleVerifier
	TokenManager   TokenManager
	Accounts       *users.Service
	Projects       *projects.Service
	Experiments    *experiments.Service
	Workflow       *workflow.Engine
	Pipeline       *pipeline.Pipeline
	Notifications  *notify.Service
	Audit          *audit.Recorder
	Logger         *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Projects == nil {
		return nil, errMissingProjects
	}
	if deps.Experiments == nil {
		return nil, errMissingExperiments
	}
	if deps.Workflow == nil {
		return nil, errMissingWorkflow
	}
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Audit == nil {
		return nil, errMissingAudit
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:      deps.GoogleVerifier,
		tokens:        deps.TokenManager,
		accounts:      deps.Accounts,
		projects:      deps.Projects,
		experiments:   deps.Experiments,
		workflow:      deps.Workflow,
		pipeline:      deps.Pipeline,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		logger:        logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/projects", handler.handleListProjects)
	protected.GET("/projects/:projectID", handler.handleGetProject)
	protected.GET("/projects/:projectID/experiments", handler.handleListExperiments)
	protected.GET("/experiments/:experimentID", handler.handleGetExperiment)
	protected.GET("/experiments/:experimentID/steps", handler.handleListSteps)
	protected.GET("/experiments/:experimentID/protocol/snapshots", handler.handleListSnapshots)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/unread-count", handler.handleUnreadCount)
	protected.POST("/notifications/:notificationID/read", handler.handleMarkNotificationRead)
	protected.GET("/dashboard", handler.handleDashboard)
	protected.POST("/experiments/:experimentID/transition", handler.handleTransition)

	editors := protected.Group("/")
	editors.Use(handler.requireEditor)
	editors.POST("/projects", handler.handleCreateProject)
	editors.PATCH("/projects/:projectID", handler.handleUpdateProject)
	editors.POST("/projects/:projectID/experiments", handler.handleCreateExperiment)
	editors.PATCH("/experiments/:experimentID", handler.handleUpdateExperiment)
	editors.POST("/experiments/:experimentID/steps", handler.handleAddStep)
	editors.PATCH("/experiments/:experimentID/steps/:stepID", handler.handleUpdateStep)
	editors.DELETE("/experiments/:experimentID/steps/:stepID", handler.handleDeleteStep)
	editors.POST("/experiments/:experimentID/protocol/snapshots", handler.handleCaptureSnapshot)
	editors.POST("/experiments/:experimentID/protocol/generate", handler.handleGenerateProtocol)
	editors.POST("/experiments/:experimentID/reagents", handler.handleAddReagent)
	editors.DELETE("/experiments/:experimentID/reagents/:reagentID", handler.handleDeleteReagent)
	editors.PUT("/experiments/:experimentID/yield", handler.handleSaveYield)
	editors.POST("/experiments/:experimentID/spectra", handler.handleAddSpectrum)
	editors.DELETE("/experiments/:experimentID/spectra/:spectrumID", handler.handleDeleteSpectrum)
	editors.POST("/experiments/:experimentID/files", handler.handleUploadFile)
	editors.POST("/experiments/:experimentID/ingest", handler.handleIngest)

	admins := protected.Group("/")
	admins.Use(handler.requireAdmin)
	admins.GET("/audit/:entityType/:entityID", handler.handleListAudit)
	admins.POST("/admin/outbox/reconcile", handler.handleReconcileOutbox)
	admins.PUT("/admin/accounts/:accountID/role", handler.handleSetRole)

	return router, nil
}

type httpHandler struct {
	verifier      GoogleVerifier
	tokens        TokenManager
	accounts      *users.Service
	projects      *projects.Service
	experiments   *experiments.Service
	workflow      *workflow.Engine
	pipeline      *pipeline.Pipeline
	notifications *notify.Service
	audit         *audit.Recorder
	logger        *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, _, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	account, err := h.accounts.GetByID(c.Request.Context(), subject)
	if err != nil {
		h.logger.Warn("account lookup failed", zap.Error(err), zap.String("subject", subject))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountContextKey, account)
	c.Next()
}

func (h *httpHandler) requireEditor(c *gin.Context) {
	account := currentAccount(c)
	if !account.AccountRole().CanEdit() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	account := currentAccount(c)
	if account.AccountRole() != users.RoleAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func currentAccount(c *gin.Context) users.Account {
	value, ok := c.Get(accountContextKey)
	if !ok {
		return users.Account{}
	}
	account, ok := value.(users.Account)
	if !ok {
		return users.Account{}
	}
	return account
}

// respondError maps typed service errors onto HTTP statuses with a stable
// error code and enough detail for the caller to explain the failure.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var invalidTransition *workflow.InvalidTransitionError
	var unauthorizedTransition *workflow.UnauthorizedError
	var unsupportedType *pipeline.UnsupportedFileTypeError
	var schemaError *pipeline.ExtractionSchemaError
	var apiError *genai.APIError

	switch {
	case errors.As(err, &invalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":            "invalid_transition",
			"current_status":   invalidTransition.From.String(),
			"requested_status": invalidTransition.To.String(),
			"role":             invalidTransition.Role.String(),
		})
	case errors.As(err, &unauthorizedTransition):
		if unauthorizedTransition.From == "" && unauthorizedTransition.To == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":            "forbidden_transition",
			"current_status":   unauthorizedTransition.From.String(),
			"requested_status": unauthorizedTransition.To.String(),
			"role":             unauthorizedTransition.Role.String(),
		})
	case errors.As(err, &unsupportedType):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":      "unsupported_file_type",
			"file_name":  unsupportedType.FileName,
			"media_type": unsupportedType.MediaType,
		})
	case errors.As(err, &schemaError):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "extraction_schema_violation"})
	case errors.As(err, &apiError):
		h.logger.Error("generative model call failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "model_unavailable"})
	case errors.Is(err, pipeline.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, workflow.ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "status_conflict"})
	case errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, experiments.ErrNotFound),
		errors.Is(err, experiments.ErrStepNotFound),
		errors.Is(err, experiments.ErrRowNotFound),
		errors.Is(err, projects.ErrNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, users.ErrAccountNotFound),
		errors.Is(err, docstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, experiments.ErrInvalidStatus),
		errors.Is(err, experiments.ErrInvalidTechnique),
		errors.Is(err, experiments.ErrInvalidTag),
		errors.Is(err, projects.ErrInvalidStatus),
		errors.Is(err, projects.ErrDuplicateCode),
		errors.Is(err, users.ErrInvalidRole),
		errors.Is(err, pipeline.ErrPromptRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
