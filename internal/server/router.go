// Package server exposes the poll engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pollcast/internal/auth"
	"github.com/MarcoPoloResearchLab/pollcast/internal/categories"
	"github.com/MarcoPoloResearchLab/pollcast/internal/distribution"
	"github.com/MarcoPoloResearchLab/pollcast/internal/engine"
	"github.com/MarcoPoloResearchLab/pollcast/internal/lifecycle"
	"github.com/MarcoPoloResearchLab/pollcast/internal/polls"
	"github.com/MarcoPoloResearchLab/pollcast/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profileContextKey = "pollcast_profile"
	accessTokenQuery  = "access_token"
	maxBodyBytes      = 1 << 20
)

var (
	errMissingEngine     = errors.New("poll engine dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
	errMissingProfiles   = errors.New("profile store dependency required")
	errMissingRealtime   = errors.New("realtime dispatcher dependency required")
	errInvalidAuthHeader = errors.New("authorization header missing or invalid")
)

// PollEngine is the set of operations served over HTTP.
type PollEngine interface {
	CreatePoll(ctx context.Context, creatorID string, input polls.DraftInput) (engine.Created, error)
	SelectQueueForNewPoll(ctx context.Context, pollID, userID string) ([]polls.Poll, error)
	SelectFeedPage(ctx context.Context, userID string, categoryIndex, page int) (distribution.FeedPage, error)
	ApplyInteraction(ctx context.Context, pollID, actionType string, payload engine.InteractionPayload, userID string) (lifecycle.Outcome, error)
	GetPoll(ctx context.Context, pollID string) (polls.Poll, error)
	SearchPolls(ctx context.Context, text string) ([]polls.Poll, error)
	UpdatePoll(ctx context.Context, pollID string, changes engine.PollChanges) (polls.Poll, error)
	DeletePoll(ctx context.Context, pollID string) error
	ListCategories(ctx context.Context) ([]categories.Category, error)
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileStore resolves and edits the profile behind a session.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	SaveProfile(ctx context.Context, profile users.Profile) (users.Profile, error)
}

type Dependencies struct {
	Engine         PollEngine
	Sessions       SessionValidator
	Profiles       ProfileStore
	Realtime       *RealtimeDispatcher
	Metrics        http.Handler
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		engine:    deps.Engine,
		sessions:  deps.Sessions,
		profiles:  deps.Profiles,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/polls", handler.handleCreatePoll)
	protected.GET("/polls/feed", handler.handleFeed)
	protected.GET("/polls/search", handler.handleSearch)
	protected.GET("/polls/:pollId", handler.handleGetPoll)
	protected.GET("/polls/:pollId/queue", handler.handleQueue)
	protected.PATCH("/polls/:pollId", handler.handleUpdatePoll)
	protected.DELETE("/polls/:pollId", handler.handleDeletePoll)
	protected.POST("/polls/:pollId/interactions", handler.handleInteraction)
	protected.GET("/categories", handler.handleCategories)
	protected.GET("/users/me", handler.handleGetProfile)
	protected.PUT("/users/me/preferences", handler.handleSavePreferences)
	protected.GET("/feed/stream", handler.handleFeedStream)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine    PollEngine
	sessions  SessionValidator
	profiles  ProfileStore
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" && c.GetHeader("Authorization") == "" {
		c.Request.Header.Set("Authorization", "Bearer "+token)
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.profiles.EnsureProfile(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthHeader.Error()})
			return
		}
		h.logger.Error("profile resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func currentProfile(c *gin.Context) users.Profile {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}
	}
	profile, _ := value.(users.Profile)
	return profile
}

type createPollPayload struct {
	Question string   `json:"question"`
	Answers  []string `json:"answers"`
	Language string   `json:"language"`
	Category string   `json:"category"`
	PaidTier string   `json:"paidTier"`
}

func (h *httpHandler) handleCreatePoll(c *gin.Context) {
	var payload createPollPayload
	if !h.bindJSON(c, &payload, true) {
		return
	}
	created, err := h.engine.CreatePoll(c.Request.Context(), currentProfile(c).UserID, polls.DraftInput{
		Question:   payload.Question,
		Answers:    payload.Answers,
		Language:   payload.Language,
		CategoryID: payload.Category,
		PaidTier:   payload.PaidTier,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	validation := &polls.ValidationError{}
	categoryIndex := requiredInt(c, "categoryIndex", validation)
	page := requiredInt(c, "page", validation)
	if err := validation.Err(); err != nil {
		h.writeError(c, err)
		return
	}
	result, err := h.engine.SelectFeedPage(c.Request.Context(), currentProfile(c).UserID, categoryIndex, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func requiredInt(c *gin.Context, name string, validation *polls.ValidationError) int {
	raw, ok := c.GetQuery(name)
	if !ok || strings.TrimSpace(raw) == "" {
		validation.Add(name, "required")
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		validation.Add(name, "must be an integer")
		return 0
	}
	return value
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	found, err := h.engine.SearchPolls(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": found})
}

func (h *httpHandler) handleGetPoll(c *gin.Context) {
	poll, err := h.engine.GetPoll(c.Request.Context(), c.Param("pollId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, poll)
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	queue, err := h.engine.SelectQueueForNewPoll(c.Request.Context(), c.Param("pollId"), currentProfile(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docs": queue})
}

type updatePollPayload struct {
	Question *string  `json:"question"`
	Answers  []string `json:"answers"`
	Category *string  `json:"category"`
	Language *string  `json:"language"`
	PaidTier *string  `json:"paidTier"`
}

func (h *httpHandler) handleUpdatePoll(c *gin.Context) {
	var payload updatePollPayload
	if !h.bindJSON(c, &payload, true) {
		return
	}
	updated, err := h.engine.UpdatePoll(c.Request.Context(), c.Param("pollId"), engine.PollChanges{
		Question:   payload.Question,
		Answers:    payload.Answers,
		CategoryID: payload.Category,
		Language:   payload.Language,
		PaidTier:   payload.PaidTier,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDeletePoll(c *gin.Context) {
	if err := h.engine.DeletePoll(c.Request.Context(), c.Param("pollId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type responsePayload struct {
	Answer    string `json:"answer"`
	Origin    string `json:"origin"`
	Geography string `json:"geography"`
	Age       string `json:"age"`
	Gender    string `json:"gender"`
}

type interactionPayload struct {
	ActionType string            `json:"actionType"`
	Responses  []responsePayload `json:"responses"`
	Comment    string            `json:"comment"`
}

func (h *httpHandler) handleInteraction(c *gin.Context) {
	var payload interactionPayload
	if !h.bindJSON(c, &payload, false) {
		return
	}
	actionType := c.Query("actionType")
	if actionType == "" {
		actionType = payload.ActionType
	}
	responses := make([]polls.ResponseInput, 0, len(payload.Responses))
	for _, response := range payload.Responses {
		responses = append(responses, polls.ResponseInput{
			Answer:    response.Answer,
			Origin:    response.Origin,
			Geography: response.Geography,
			Age:       response.Age,
			Gender:    response.Gender,
		})
	}
	outcome, err := h.engine.ApplyInteraction(c.Request.Context(), c.Param("pollId"), actionType, engine.InteractionPayload{
		Responses:   responses,
		CommentText: payload.Comment,
	}, currentProfile(c).UserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleCategories(c *gin.Context) {
	listed, err := h.engine.ListCategories(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": listed})
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, currentProfile(c))
}

type preferencesPayload struct {
	Categories []string `json:"categories"`
	Language   string   `json:"language"`
	Country    string   `json:"country"`
	Continent  string   `json:"continent"`
}

func (h *httpHandler) handleSavePreferences(c *gin.Context) {
	var payload preferencesPayload
	if !h.bindJSON(c, &payload, true) {
		return
	}
	profile := currentProfile(c)
	profile.Categories = payload.Categories
	profile.Language = payload.Language
	profile.Country = payload.Country
	profile.Continent = payload.Continent
	saved, err := h.profiles.SaveProfile(c.Request.Context(), profile)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

type feedEventPayload struct {
	PollID    string `json:"pollId,omitempty"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

func (h *httpHandler) handleFeedStream(c *gin.Context) {
	userID := currentProfile(c).UserID
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, feedEventPayload{
				PollID:    message.PollID,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, feedEventPayload{
				Timestamp: now.UTC().Format(time.RFC3339),
				Source:    realtimeSourceBackend,
			})
			return true
		}
	})
}

// bindJSON decodes the request body. An empty body is accepted when the body is optional.
func (h *httpHandler) bindJSON(c *gin.Context, target any, required bool) bool {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.writeError(c, polls.Invalid("body", "unreadable"))
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if required {
			h.writeError(c, polls.Invalid("body", "required"))
			return false
		}
		return true
	}
	if err := json.Unmarshal(body, target); err != nil {
		h.writeError(c, polls.Invalid("body", "must be valid JSON"))
		return false
	}
	return true
}

type errorCoder interface {
	Code() string
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, polls.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "fields": polls.FieldErrors(err)})
	case errors.Is(err, engine.ErrContentFlagged):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_flagged"})
	case errors.Is(err, polls.ErrPollNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "poll_not_found"})
	case errors.Is(err, users.ErrUnknownUser):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found"})
	default:
		code := "internal_error"
		var coded errorCoder
		if errors.As(err, &coded) {
			code = coded.Code()
		}
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "code": code})
	}
}
