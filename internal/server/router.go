package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cleanops/fieldsync/internal/events"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerIDContextKey = "fieldsync_owner_id"

// CursorStaleHeader marks a feed response produced from a cursor that no
// longer resolves to a stored event. The body stays an empty event list; the
// header tells the caller to clear its cursor and start a full resync.
const CursorStaleHeader = "X-Sync-Cursor-Stale"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingEventService   = errors.New("event service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns the owner it identifies.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenValidator TokenValidator
	EventService   *events.Service
	Logger         *zap.Logger
}

// NewHTTPHandler builds the sync API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.EventService == nil {
		return nil, errMissingEventService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:       deps.TokenValidator,
		eventService: deps.EventService,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/batch", handler.handleBatchIngest)
	protected.GET("/since", handler.handleFeed)

	return router, nil
}

type httpHandler struct {
	tokens       TokenValidator
	eventService *events.Service
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type batchRequestPayload struct {
	Events []batchEventPayload `json:"events"`
}

type batchEventPayload struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Payload           string `json:"payload"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
}

type batchResponsePayload struct {
	Inserted int  `json:"inserted"`
	Replayed bool `json:"replayed"`
}

type feedEventPayload struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	Payload           string `json:"payload"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
	CreatedAtNanos    int64  `json:"created_at_ns"`
}

func (h *httpHandler) handleBatchIngest(c *gin.Context) {
	ownerID, ok := h.contextOwner(c)
	if !ok {
		return
	}

	var request batchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	appends := make([]events.AppendRequest, 0, len(request.Events))
	for _, event := range request.Events {
		occurredAt, err := events.NewUnixTimestamp(event.OccurredAtSeconds)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_occurred_at"})
			return
		}
		appendRequest := events.AppendRequest{
			EventType:  event.Type,
			Payload:    event.Payload,
			OccurredAt: occurredAt,
		}
		if event.ID != "" {
			eventID, err := events.NewEventID(event.ID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_id"})
				return
			}
			appendRequest.EventID = eventID
		}
		appends = append(appends, appendRequest)
	}

	idempotencyKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	result, err := h.eventService.AppendBatch(c.Request.Context(), ownerID, appends, idempotencyKey)
	if err != nil {
		h.logger.Error("batch ingest failed", zap.Error(err), zap.String("owner_id", ownerID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingest_failed"})
		return
	}

	c.JSON(http.StatusOK, batchResponsePayload{Inserted: result.Inserted, Replayed: result.Replayed})
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	ownerID, ok := h.contextOwner(c)
	if !ok {
		return
	}

	limit := 0
	if rawLimit := c.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	result, err := h.eventService.Feed(c.Request.Context(), ownerID, c.Query("cursor"), limit)
	if err != nil {
		h.logger.Error("feed query failed", zap.Error(err), zap.String("owner_id", ownerID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "feed_failed"})
		return
	}

	if result.CursorStale {
		c.Header(CursorStaleHeader, "1")
	}

	page := make([]feedEventPayload, 0, len(result.Events))
	for _, event := range result.Events {
		page = append(page, feedEventPayload{
			ID:                event.EventID,
			Type:              event.EventType,
			Payload:           event.Payload,
			OccurredAtSeconds: event.OccurredAtSeconds,
			CreatedAtNanos:    event.CreatedAtNanos,
		})
	}

	c.JSON(http.StatusOK, page)
}

func (h *httpHandler) contextOwner(c *gin.Context) (events.OwnerID, bool) {
	ownerID, err := events.NewOwnerID(c.GetString(ownerIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}
