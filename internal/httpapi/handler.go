package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"campusdine/token-service/internal/booking"
	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/logger"
	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	dateLayout      = "2006-01-02"
	maxReasonLength = 200
	maxBodyBytes    = 1 << 16

	streamAuthTimeout = 3 * time.Second
)

// Engine is the token engine as the handlers use it.
type Engine interface {
	Generate(ctx context.Context, bookingID int64) (models.Token, error)
	Activate(ctx context.Context, tokenID int64) (models.Token, error)
	StartServing(ctx context.Context, tokenID int64) (models.Token, error)
	MarkServed(ctx context.Context, tokenID int64) (models.Token, error)
	Cancel(ctx context.Context, tokenID int64, reason string) (models.Token, error)
	MarkNoShow(ctx context.Context, tokenID int64, reason string) (models.Token, error)
	GetToken(ctx context.Context, tokenID int64) (models.Token, error)
	GetTokenByBooking(ctx context.Context, bookingID int64) (models.Token, error)
	ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error)
	QueueStatus(ctx context.Context, tokenID int64) (models.QueueStatus, error)
	ListCounters(ctx context.Context) ([]models.Counter, error)
	CounterQueue(ctx context.Context, counterID int64) (models.QueueProgress, error)
	CloseCounter(ctx context.Context, counterID int64, reason string) (models.CloseCounterResult, error)
	ReopenCounter(ctx context.Context, counterID int64) (models.Counter, error)
	SlotQueue(ctx context.Context, slotID int64, bookingDate string) (models.SlotQueueStatus, error)
}

// LiveStreamer serves a token's status stream on a gin request.
type LiveStreamer interface {
	ServeSSE(c *gin.Context, tokenID int64)
}

type Options struct {
	Auth        *Authenticator
	Limiter     *RateLimiter
	CORSOrigins []string
	// Health reports storage reachability for /healthz.
	Health func(ctx context.Context) error
	// Realtime is mounted under /realtime/tokens when set.
	Realtime http.Handler
	Clock    clock.Clock
}

type Handler struct {
	engine   Engine
	bookings booking.Lookup
	streamer LiveStreamer
	opts     Options
}

type generateRequest struct {
	BookingID int64 `json:"booking_id"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func NewHandler(engine Engine, bookings booking.Lookup, streamer LiveStreamer, opts Options) *Handler {
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(RateLimitConfig{})
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Handler{engine: engine, bookings: bookings, streamer: streamer, opts: opts}
}

func (h *Handler) Routes() *gin.Engine {
	router := gin.New()
	router.Use(Recovery(), RequestID(), Logger(), CORS(h.opts.CORSOrigins), h.opts.Limiter.ByIP())

	router.GET("/healthz", h.handleHealth)
	router.GET("/metrics", gin.WrapH(expvar.Handler()))
	if h.opts.Realtime != nil {
		router.Any("/realtime/tokens/*path", gin.WrapH(h.opts.Realtime))
	}

	api := router.Group("/api", h.opts.Auth.Middleware(), h.opts.Limiter.ByUser())
	api.POST("/tokens", h.handleGenerate)
	api.GET("/tokens/by-booking/:booking_id", h.handleTokenByBooking)
	api.GET("/tokens/:id", h.handleGetToken)
	api.GET("/tokens/:id/status", h.handleQueueStatus)
	api.GET("/tokens/:id/live", h.handleLive)
	api.POST("/tokens/:id/cancel", h.handleCancel)
	api.GET("/users/me/tokens", h.handleMyTokens)

	staff := api.Group("", RequireStaff())
	staff.POST("/tokens/:id/activate", h.tokenAction(h.engine.Activate))
	staff.POST("/tokens/:id/start", h.tokenAction(h.engine.StartServing))
	staff.POST("/tokens/:id/serve", h.tokenAction(h.engine.MarkServed))
	staff.POST("/tokens/:id/no-show", h.handleNoShow)
	staff.GET("/counters", h.handleListCounters)
	staff.GET("/counters/:id/queue", h.handleCounterQueue)
	staff.POST("/counters/:id/close", h.handleCloseCounter)
	staff.POST("/counters/:id/reopen", h.handleReopenCounter)
	staff.GET("/slots/:slot_id/queue", h.handleSlotQueue)
	return router
}

func (h *Handler) handleHealth(c *gin.Context) {
	if h.opts.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Health(ctx); err != nil {
			logger.WarnCtx(c.Request.Context(), "Health check failed", zap.Error(err))
			writeError(c, http.StatusServiceUnavailable, store.ErrStorageUnavailable.Code, store.ErrStorageUnavailable.Message)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleGenerate(c *gin.Context) {
	var req generateRequest
	if err := decodeJSON(c, &req, false); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.BookingID <= 0 {
		writeInvalid(c, "booking_id must be a positive integer")
		return
	}

	principal := principalFromContext(c)
	if !principal.Staff() {
		b, err := h.bookings.Lookup(c.Request.Context(), req.BookingID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		if b.UserID != principal.UserID {
			writeError(c, http.StatusForbidden, "access_denied", "booking belongs to another user")
			return
		}
	}

	token, err := h.engine.Generate(c.Request.Context(), req.BookingID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, token)
}

// ownedToken loads the path token and checks the caller may see it.
func (h *Handler) ownedToken(c *gin.Context) (models.Token, bool) {
	tokenID, ok := pathID(c, "id")
	if !ok {
		return models.Token{}, false
	}
	token, err := h.engine.GetToken(c.Request.Context(), tokenID)
	if err != nil {
		writeEngineError(c, err)
		return models.Token{}, false
	}
	if !principalFromContext(c).Owns(token.UserID) {
		writeError(c, http.StatusForbidden, "access_denied", "token belongs to another user")
		return models.Token{}, false
	}
	return token, true
}

func (h *Handler) handleGetToken(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) handleTokenByBooking(c *gin.Context) {
	bookingID, ok := pathID(c, "booking_id")
	if !ok {
		return
	}
	token, err := h.engine.GetTokenByBooking(c.Request.Context(), bookingID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	if !principalFromContext(c).Owns(token.UserID) {
		writeError(c, http.StatusForbidden, "access_denied", "token belongs to another user")
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) handleQueueStatus(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}
	status, err := h.engine.QueueStatus(c.Request.Context(), token.TokenID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleLive lets a missing token through so the stream reports it as an
// error event.
func (h *Handler) handleLive(c *gin.Context) {
	tokenID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.authorizeToken(c.Request.Context(), principalFromContext(c), tokenID); err != nil {
		if errors.Is(err, errAccessDenied) {
			writeError(c, http.StatusForbidden, "access_denied", "token belongs to another user")
			return
		}
		writeEngineError(c, err)
		return
	}
	h.streamer.ServeSSE(c, tokenID)
}

var errAccessDenied = errors.New("access denied")

func (h *Handler) authorizeToken(ctx context.Context, principal Principal, tokenID int64) error {
	token, err := h.engine.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil
		}
		return err
	}
	if !principal.Owns(token.UserID) {
		return errAccessDenied
	}
	return nil
}

// AuthorizeStream checks a SockJS connect request. It runs in the session
// goroutine after the opening request may have returned, so the lookup does
// not use the request context.
func (h *Handler) AuthorizeStream(r *http.Request, tokenID int64) error {
	principal, err := h.opts.Auth.PrincipalFromRequest(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), streamAuthTimeout)
	defer cancel()
	if err := h.authorizeToken(ctx, principal, tokenID); err != nil {
		if errors.Is(err, errAccessDenied) {
			return err
		}
		return errors.New("token lookup failed")
	}
	return nil
}

func (h *Handler) handleCancel(c *gin.Context) {
	token, ok := h.ownedToken(c)
	if !ok {
		return
	}
	reason, ok := reasonFromBody(c)
	if !ok {
		return
	}
	token, err := h.engine.Cancel(c.Request.Context(), token.TokenID, reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) handleNoShow(c *gin.Context) {
	tokenID, ok := pathID(c, "id")
	if !ok {
		return
	}
	reason, ok := reasonFromBody(c)
	if !ok {
		return
	}
	token, err := h.engine.MarkNoShow(c.Request.Context(), tokenID, reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, token)
}

func (h *Handler) tokenAction(action func(context.Context, int64) (models.Token, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenID, ok := pathID(c, "id")
		if !ok {
			return
		}
		token, err := action(c.Request.Context(), tokenID)
		if err != nil {
			writeEngineError(c, err)
			return
		}
		c.JSON(http.StatusOK, token)
	}
}

func (h *Handler) handleMyTokens(c *gin.Context) {
	filter := store.TokenFilter{UserID: principalFromContext(c).UserID}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, ok := models.ParseTokenStatus(raw)
		if !ok {
			writeInvalid(c, "status must be one of pending, active, serving, served, cancelled, no_show")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(c.Query("date")); raw != "" {
		if !validDate(raw) {
			writeInvalid(c, "date must be YYYY-MM-DD")
			return
		}
		filter.BookingDate = raw
	}
	tokens, err := h.engine.ListTokens(c.Request.Context(), filter)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handler) handleListCounters(c *gin.Context) {
	counters, err := h.engine.ListCounters(c.Request.Context())
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counters": counters})
}

func (h *Handler) handleCounterQueue(c *gin.Context) {
	counterID, ok := pathID(c, "id")
	if !ok {
		return
	}
	progress, err := h.engine.CounterQueue(c.Request.Context(), counterID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *Handler) handleCloseCounter(c *gin.Context) {
	counterID, ok := pathID(c, "id")
	if !ok {
		return
	}
	reason, ok := reasonFromBody(c)
	if !ok {
		return
	}
	result, err := h.engine.CloseCounter(c.Request.Context(), counterID, reason)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) handleReopenCounter(c *gin.Context) {
	counterID, ok := pathID(c, "id")
	if !ok {
		return
	}
	counter, err := h.engine.ReopenCounter(c.Request.Context(), counterID)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, counter)
}

func (h *Handler) handleSlotQueue(c *gin.Context) {
	slotID, ok := pathID(c, "slot_id")
	if !ok {
		return
	}
	date := strings.TrimSpace(c.Query("date"))
	if date == "" {
		date = h.opts.Clock.Now().UTC().Format(dateLayout)
	} else if !validDate(date) {
		writeInvalid(c, "date must be YYYY-MM-DD")
		return
	}
	status, err := h.engine.SlotQueue(c.Request.Context(), slotID, date)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		writeInvalid(c, name+" must be a positive integer")
		return 0, false
	}
	return id, true
}

func validDate(value string) bool {
	_, err := time.Parse(dateLayout, value)
	return err == nil
}

// decodeJSON rejects unknown fields. An empty body is accepted only when
// optional is set.
func decodeJSON(c *gin.Context, dst interface{}, optional bool) error {
	decoder := json.NewDecoder(io.LimitReader(c.Request.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func reasonFromBody(c *gin.Context) (string, bool) {
	var req reasonRequest
	if err := decodeJSON(c, &req, true); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return "", false
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > maxReasonLength {
		writeInvalid(c, "reason must be at most 200 characters")
		return "", false
	}
	return reason, true
}
