package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/auth"
	"github.com/MarcoPoloResearchLab/sharenotes/internal/notes"
	"github.com/MarcoPoloResearchLab/sharenotes/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	identityContextKey       = "sharenotes_identity"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errMissingRealtime      = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

const (
	messageInvalidBody         = "invalid request body"
	messageCredentialsRequired = "username and password are required"
	messagePasswordTooLong     = "password must be at most 72 bytes"
	messageContentRequired     = "content is required"
	messageInvalidNoteID       = "invalid note id"
	messageUsernameTaken       = "username already taken"
	messageInvalidCredentials  = "invalid credentials"
	messageUnauthorized        = "unauthorized"
	messageForbidden           = "forbidden"
	messageNoteNotFound        = "note not found"
	messageInternal            = "internal error"
	messageRegistered          = "user registered successfully"
)

type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

type UsersService interface {
	Register(ctx context.Context, username, password string) (users.User, error)
	Authenticate(ctx context.Context, username, password string) (users.User, error)
	FindByID(ctx context.Context, id uint64) (users.User, error)
}

type NotesService interface {
	List(ctx context.Context) ([]notes.Note, error)
	Create(ctx context.Context, authorID uint64, authorName, content string) (notes.Note, error)
	Update(ctx context.Context, noteID, requesterID uint64, content string) (notes.Note, error)
	Delete(ctx context.Context, noteID, requesterID uint64) (notes.Note, error)
}

type Dependencies struct {
	TokenManager      TokenManager
	UsersService      UsersService
	NotesService      NotesService
	Realtime          *RealtimeDispatcher
	RequestIDs        RequestIDProvider
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	requestIDs := deps.RequestIDs
	if requestIDs == nil {
		requestIDs = NewUUIDProvider()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware(requestIDs, logger))
	router.Use(accessLogMiddleware(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		usersService:      deps.UsersService,
		notesService:      deps.NotesService,
		realtime:          deps.Realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.POST("/register", handler.handleRegister)
	router.POST("/login", handler.handleLogin)
	router.GET("/notes", handler.handleListNotes)
	router.GET("/notes/stream", handler.handleNotesStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader},
		MaxAge:          12 * time.Hour,
	})
}

func accessLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("request_id", c.GetString(requestIDContextKey)))
	}
}

type httpHandler struct {
	tokens            TokenManager
	usersService      UsersService
	notesService      NotesService
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

type credentialsPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerResponsePayload struct {
	Message string `json:"message"`
}

type loginResponsePayload struct {
	Token string              `json:"token"`
	User  userResponsePayload `json:"user"`
}

type userResponsePayload struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
}

type noteContentPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Username == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageCredentialsRequired})
		return
	}

	if _, err := h.usersService.Register(c.Request.Context(), request.Username, request.Password); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, registerResponsePayload{Message: messageRegistered})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request credentialsPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Username == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageCredentialsRequired})
		return
	}

	user, err := h.usersService.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, _, err := h.tokens.IssueToken(c.Request.Context(), auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err), zap.Uint64("user_id", user.ID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternal})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		Token: token,
		User:  userResponsePayload{ID: user.ID, Username: user.Username},
	})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	list, err := h.notesService.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": messageUnauthorized})
		return
	}

	var request noteContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidBody})
		return
	}

	note, err := h.notesService.Create(c.Request.Context(), identity.UserID, h.authorName(c, identity), request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": messageUnauthorized})
		return
	}
	noteID, ok := parseNoteID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidNoteID})
		return
	}

	// An unreadable body counts as empty content so missing and foreign notes still report 404 and 403.
	var request noteContentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		request.Content = ""
	}

	note, err := h.notesService.Update(c.Request.Context(), noteID, identity.UserID, request.Content)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": messageUnauthorized})
		return
	}
	noteID, ok := parseNoteID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": messageInvalidNoteID})
		return
	}

	note, err := h.notesService.Delete(c.Request.Context(), noteID, identity.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, note)
}

// handleNotesStream serves the full note list as Server-Sent Events: once on connect, then after every mutation.
func (h *httpHandler) handleNotesStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(writer io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			if err := sse.Encode(writer, sse.Event{
				Id:    strconv.FormatInt(message.Timestamp.UnixMilli(), 10),
				Event: message.EventType,
				Data:  message.Notes,
			}); err != nil {
				h.logger.Debug("realtime stream write failed", zap.Error(err))
				return false
			}
			return true
		case tick := <-heartbeat.C:
			if err := sse.Encode(writer, sse.Event{Event: realtimeEventHeartbeat, Data: tick.UTC().Format(time.RFC3339)}); err != nil {
				return false
			}
			return true
		}
	})
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
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": messageUnauthorized})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// authorName snapshots the author's current username, falling back to the token claim.
func (h *httpHandler) authorName(c *gin.Context, identity auth.Identity) string {
	user, err := h.usersService.FindByID(c.Request.Context(), identity.UserID)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			h.logger.Warn("author lookup failed", zap.Error(err), zap.Uint64("user_id", identity.UserID))
		}
		return identity.Username
	}
	return user.Username
}

// respondError maps domain failures onto status codes without leaking internals.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, message := classifyError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": message})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, notes.ErrInvalidContent):
		return http.StatusBadRequest, messageContentRequired
	case errors.Is(err, notes.ErrInvalidNoteID):
		return http.StatusBadRequest, messageInvalidNoteID
	case errors.Is(err, users.ErrPasswordTooLong):
		return http.StatusBadRequest, messagePasswordTooLong
	case errors.Is(err, users.ErrInvalidInput):
		return http.StatusBadRequest, messageCredentialsRequired
	case errors.Is(err, users.ErrInvalidCredentials):
		return http.StatusUnauthorized, messageInvalidCredentials
	case errors.Is(err, notes.ErrForbidden):
		return http.StatusForbidden, messageForbidden
	case errors.Is(err, notes.ErrNoteNotFound):
		return http.StatusNotFound, messageNoteNotFound
	case errors.Is(err, users.ErrUsernameTaken):
		return http.StatusConflict, messageUsernameTaken
	default:
		return http.StatusInternalServerError, messageInternal
	}
}

func identityFromContext(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	if !ok || identity.UserID == 0 {
		return auth.Identity{}, false
	}
	return identity, true
}

func parseNoteID(raw string) (uint64, bool) {
	noteID, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || noteID == 0 {
		return 0, false
	}
	return noteID, true
}
