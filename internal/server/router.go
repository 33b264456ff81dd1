// Package server exposes the Telegram webhook and the read-only admin API over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PurkkaKoodari/demokratiasitsibot/internal/auth"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/polls"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/store"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/telegram"
	"github.com/PurkkaKoodari/demokratiasitsibot/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	adminIDContextKey = "sitsibot_admin_id"
	qrImageSize       = 256
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingAdminChecker  = errors.New("admin checker required when tokens are configured")
	errMissingPolls         = errors.New("poll reader dependency required")
	errMissingInitiatives   = errors.New("initiative reader dependency required")
	errMissingUsers         = errors.New("user reader dependency required")
	errMissingWebhookSecret = errors.New("webhook secret required when a dispatcher is configured")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// UpdateHandler consumes Telegram updates.
type UpdateHandler interface {
	Handle(ctx context.Context, update telegram.Update)
}

type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

type AdminChecker interface {
	Contains(ctx context.Context, userID, chatID int64) (bool, error)
}

type PollReader interface {
	Chooser(ctx context.Context, offset int) (polls.ChooserPage, error)
	Results(ctx context.Context, id uint) (polls.Results, error)
}

type InitiativeReader interface {
	List(ctx context.Context) ([]store.Initiative, error)
}

type UserReader interface {
	Get(ctx context.Context, id uint) (store.User, error)
}

// Dependencies wires the HTTP handler. Dispatcher, Tokens and Stream are optional: each one that is
// missing leaves its routes unmounted.
type Dependencies struct {
	Dispatcher    UpdateHandler
	WebhookSecret string
	Tokens        TokenValidator
	Admins        AdminChecker
	Polls         PollReader
	Initiatives   InitiativeReader
	Users         UserReader
	Stream        *EventStream
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens != nil && deps.Admins == nil {
		return nil, errMissingAdminChecker
	}
	if deps.Polls == nil {
		return nil, errMissingPolls
	}
	if deps.Initiatives == nil {
		return nil, errMissingInitiatives
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Dispatcher != nil && strings.TrimSpace(deps.WebhookSecret) == "" {
		return nil, errMissingWebhookSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		dispatcher:    deps.Dispatcher,
		webhookSecret: deps.WebhookSecret,
		tokens:        deps.Tokens,
		admins:        deps.Admins,
		polls:         deps.Polls,
		initiatives:   deps.Initiatives,
		users:         deps.Users,
		stream:        deps.Stream,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if handler.dispatcher != nil {
		router.POST("/telegram/webhook/:secret", handler.handleWebhook)
	}

	if handler.tokens == nil {
		return router, nil
	}

	protected := router.Group("/admin")
	protected.Use(handler.authorizeRequest)
	protected.GET("/polls", handler.handlePolls)
	protected.GET("/polls/:id/results", handler.handleResults)
	protected.GET("/initiatives", handler.handleInitiatives)
	protected.GET("/users/:id/qr.png", handler.handleUserQR)
	if handler.stream != nil {
		protected.GET("/events", handler.handleEvents)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	dispatcher    UpdateHandler
	webhookSecret string
	tokens        TokenValidator
	admins        AdminChecker
	polls         PollReader
	initiatives   InitiativeReader
	users         UserReader
	stream        *EventStream
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebhook(c *gin.Context) {
	secret := c.Param("secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	var update telegram.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		h.logger.Warn("malformed webhook update", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_update"})
		return
	}
	// The update is handled to completion even if the client goes away.
	h.dispatcher.Handle(context.WithoutCancel(c.Request.Context()), update)
	c.Status(http.StatusOK)
}

type pollPayload struct {
	ID          uint      `json:"id"`
	TextFi      string    `json:"textFi"`
	TextEn      string    `json:"textEn"`
	Status      string    `json:"status"`
	Type        string    `json:"type"`
	VoterGroup  string    `json:"voterGroup"`
	SourceGroup string    `json:"sourceGroup,omitempty"`
	PerArea     bool      `json:"perArea"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type pollPagePayload struct {
	Polls []pollPayload `json:"polls"`
	Prev  *int          `json:"prev,omitempty"`
	Next  *int          `json:"next,omitempty"`
}

func (h *httpHandler) handlePolls(c *gin.Context) {
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_offset"})
			return
		}
		offset = parsed
	}
	page, err := h.polls.Chooser(c.Request.Context(), offset)
	if err != nil {
		h.logger.Error("failed to list polls", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := pollPagePayload{Polls: make([]pollPayload, 0, len(page.Polls))}
	for _, poll := range page.Polls {
		response.Polls = append(response.Polls, pollPayload{
			ID:          poll.ID,
			TextFi:      poll.TextFi,
			TextEn:      poll.TextEn,
			Status:      string(poll.Status),
			Type:        string(poll.Type),
			VoterGroup:  poll.VoterGroup,
			SourceGroup: poll.SourceGroup,
			PerArea:     poll.PerArea,
			UpdatedAt:   poll.UpdatedAt,
		})
	}
	if page.Prev >= 0 {
		response.Prev = &page.Prev
	}
	if page.Next >= 0 {
		response.Next = &page.Next
	}
	c.JSON(http.StatusOK, response)
}

type resultsPayload struct {
	PollID  uint               `json:"pollId"`
	Text    string             `json:"text"`
	PerArea bool               `json:"perArea"`
	Areas   []polls.AreaResult `json:"areas"`
}

func (h *httpHandler) handleResults(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	results, err := h.polls.Results(c.Request.Context(), id)
	switch {
	case errors.Is(err, polls.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "poll_not_found"})
		return
	case errors.Is(err, polls.ErrNotClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "poll_not_closed"})
		return
	case err != nil:
		h.logger.Error("failed to tabulate poll", zap.Uint("poll_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "results_failed"})
		return
	}
	areas := results.Areas
	if areas == nil {
		areas = []polls.AreaResult{}
	}
	c.JSON(http.StatusOK, resultsPayload{
		PollID:  results.Poll.ID,
		Text:    results.Poll.TextFi,
		PerArea: results.Poll.PerArea,
		Areas:   areas,
	})
}

type initiativePayload struct {
	ID        uint      `json:"id"`
	UserID    uint      `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	TitleFi   string    `json:"titleFi"`
	TitleEn   string    `json:"titleEn"`
	Status    string    `json:"status"`
	SignCount int       `json:"signCount"`
}

func (h *httpHandler) handleInitiatives(c *gin.Context) {
	initiatives, err := h.initiatives.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list initiatives", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]initiativePayload, 0, len(initiatives))
	for _, initiative := range initiatives {
		response = append(response, initiativePayload{
			ID:        initiative.ID,
			UserID:    initiative.UserID,
			CreatedAt: initiative.CreatedAt,
			TitleFi:   initiative.Title(store.LanguageFinnish),
			TitleEn:   initiative.Title(store.LanguageEnglish),
			Status:    string(initiative.Status),
			SignCount: initiative.SignCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"initiatives": response})
}

// handleUserQR renders the participant's passcode as a QR code for printed registration slips.
func (h *httpHandler) handleUserQR(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	user, err := h.users.Get(c.Request.Context(), id)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load user", zap.Uint("user_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	png, err := qrcode.Encode(user.Passcode, qrcode.Medium, qrImageSize)
	if err != nil {
		h.logger.Error("failed to encode qr code", zap.Uint("user_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "qr_failed"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.stream.Subscribe(c.Request.Context(), c.Query("topic"))
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"time": time.Now().UTC()})
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
	chatID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	allowed, err := h.admins.Contains(c.Request.Context(), chatID, chatID)
	if err != nil {
		h.logger.Error("admin lookup failed", zap.Int64("chat_id", chatID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "admin_lookup_failed"})
		return
	}
	if !allowed {
		h.logger.Warn("token subject is not an admin", zap.Int64("chat_id", chatID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(adminIDContextKey, chatID)
	c.Next()
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(id), true
}
