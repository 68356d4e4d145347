package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"campusdine/token-service/internal/clock"
	"campusdine/token-service/internal/models"
	"campusdine/token-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeEngine struct {
	generateFn     func(ctx context.Context, bookingID int64) (models.Token, error)
	activateFn     func(ctx context.Context, tokenID int64) (models.Token, error)
	startFn        func(ctx context.Context, tokenID int64) (models.Token, error)
	serveFn        func(ctx context.Context, tokenID int64) (models.Token, error)
	cancelFn       func(ctx context.Context, tokenID int64, reason string) (models.Token, error)
	noShowFn       func(ctx context.Context, tokenID int64, reason string) (models.Token, error)
	getTokenFn     func(ctx context.Context, tokenID int64) (models.Token, error)
	byBookingFn    func(ctx context.Context, bookingID int64) (models.Token, error)
	listTokensFn   func(ctx context.Context, filter store.TokenFilter) ([]models.Token, error)
	statusFn       func(ctx context.Context, tokenID int64) (models.QueueStatus, error)
	countersFn     func(ctx context.Context) ([]models.Counter, error)
	counterQueueFn func(ctx context.Context, counterID int64) (models.QueueProgress, error)
	closeFn        func(ctx context.Context, counterID int64, reason string) (models.CloseCounterResult, error)
	reopenFn       func(ctx context.Context, counterID int64) (models.Counter, error)
	slotFn         func(ctx context.Context, slotID int64, bookingDate string) (models.SlotQueueStatus, error)
}

func (f fakeEngine) Generate(ctx context.Context, bookingID int64) (models.Token, error) {
	if f.generateFn == nil {
		return models.Token{}, nil
	}
	return f.generateFn(ctx, bookingID)
}

func (f fakeEngine) Activate(ctx context.Context, tokenID int64) (models.Token, error) {
	if f.activateFn == nil {
		return models.Token{}, nil
	}
	return f.activateFn(ctx, tokenID)
}

func (f fakeEngine) StartServing(ctx context.Context, tokenID int64) (models.Token, error) {
	if f.startFn == nil {
		return models.Token{}, nil
	}
	return f.startFn(ctx, tokenID)
}

func (f fakeEngine) MarkServed(ctx context.Context, tokenID int64) (models.Token, error) {
	if f.serveFn == nil {
		return models.Token{}, nil
	}
	return f.serveFn(ctx, tokenID)
}

func (f fakeEngine) Cancel(ctx context.Context, tokenID int64, reason string) (models.Token, error) {
	if f.cancelFn == nil {
		return models.Token{}, nil
	}
	return f.cancelFn(ctx, tokenID, reason)
}

func (f fakeEngine) MarkNoShow(ctx context.Context, tokenID int64, reason string) (models.Token, error) {
	if f.noShowFn == nil {
		return models.Token{}, nil
	}
	return f.noShowFn(ctx, tokenID, reason)
}

func (f fakeEngine) GetToken(ctx context.Context, tokenID int64) (models.Token, error) {
	if f.getTokenFn == nil {
		return models.Token{}, nil
	}
	return f.getTokenFn(ctx, tokenID)
}

func (f fakeEngine) GetTokenByBooking(ctx context.Context, bookingID int64) (models.Token, error) {
	if f.byBookingFn == nil {
		return models.Token{}, nil
	}
	return f.byBookingFn(ctx, bookingID)
}

func (f fakeEngine) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.Token, error) {
	if f.listTokensFn == nil {
		return []models.Token{}, nil
	}
	return f.listTokensFn(ctx, filter)
}

func (f fakeEngine) QueueStatus(ctx context.Context, tokenID int64) (models.QueueStatus, error) {
	if f.statusFn == nil {
		return models.QueueStatus{}, nil
	}
	return f.statusFn(ctx, tokenID)
}

func (f fakeEngine) ListCounters(ctx context.Context) ([]models.Counter, error) {
	if f.countersFn == nil {
		return []models.Counter{}, nil
	}
	return f.countersFn(ctx)
}

func (f fakeEngine) CounterQueue(ctx context.Context, counterID int64) (models.QueueProgress, error) {
	if f.counterQueueFn == nil {
		return models.QueueProgress{}, nil
	}
	return f.counterQueueFn(ctx, counterID)
}

func (f fakeEngine) CloseCounter(ctx context.Context, counterID int64, reason string) (models.CloseCounterResult, error) {
	if f.closeFn == nil {
		return models.CloseCounterResult{}, nil
	}
	return f.closeFn(ctx, counterID, reason)
}

func (f fakeEngine) ReopenCounter(ctx context.Context, counterID int64) (models.Counter, error) {
	if f.reopenFn == nil {
		return models.Counter{}, nil
	}
	return f.reopenFn(ctx, counterID)
}

func (f fakeEngine) SlotQueue(ctx context.Context, slotID int64, bookingDate string) (models.SlotQueueStatus, error) {
	if f.slotFn == nil {
		return models.SlotQueueStatus{}, nil
	}
	return f.slotFn(ctx, slotID, bookingDate)
}

type fakeBookings map[int64]models.Booking

func (f fakeBookings) Lookup(ctx context.Context, bookingID int64) (models.Booking, error) {
	b, ok := f[bookingID]
	if !ok {
		return models.Booking{}, store.ErrBookingNotFound
	}
	return b, nil
}

type fakeStreamer struct {
	served []int64
}

func (f *fakeStreamer) ServeSSE(c *gin.Context, tokenID int64) {
	f.served = append(f.served, tokenID)
	c.Status(http.StatusOK)
}

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	streamer *fakeStreamer
}

func newTestServer(engine fakeEngine, bookings fakeBookings, mutate ...func(*Options)) testServer {
	opts := Options{
		Auth:    NewAuthenticator(testSecret),
		Limiter: NewRateLimiter(RateLimitConfig{IPPerMinute: 6000, IPBurst: 1000, UserPerMinute: 6000, UserBurst: 1000}),
		Clock:   clock.Fake(time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	streamer := &fakeStreamer{}
	handler := NewHandler(engine, bookings, streamer, opts)
	return testServer{router: handler.Routes(), handler: handler, streamer: streamer}
}

func signToken(t *testing.T, userID, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch value := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(value))
	default:
		payload, err := json.Marshal(value)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func ownedBy(userID string) func(context.Context, int64) (models.Token, error) {
	return func(_ context.Context, tokenID int64) (models.Token, error) {
		return models.Token{TokenID: tokenID, UserID: userID, Status: models.StatusActive}, nil
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(fakeEngine{}, nil)
	rec := srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestServer(fakeEngine{}, nil, func(o *Options) {
		o.Health = func(context.Context) error { return store.Unavailable(errors.New("connection refused")) }
	})
	rec = down.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decodeError(t, rec).Error.Code)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: ownedBy("u-1")}, nil)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "staff"}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name   string
		bearer string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"no subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/api/tokens/1", tt.bearer, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "unauthorized", resp.Error.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}

	rec := srv.do(t, http.MethodGet, "/api/tokens/1", signToken(t, "u-1", "student"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: func(context.Context, int64) (models.Token, error) {
		return models.Token{}, store.ErrTokenNotFound
	}}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/5", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "staff"))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	resp := decodeError(t, rec)
	assert.Equal(t, "req-123", resp.RequestID)
	assert.Equal(t, "token_not_found", resp.Error.Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		code    string
		message string
	}{
		{store.ErrInvalidInput.With("token_id must be positive"), http.StatusBadRequest, "invalid_request", "token_id must be positive"},
		{store.ErrTokenNotFound, http.StatusNotFound, "token_not_found", "token not found"},
		{store.ErrDuplicateToken, http.StatusConflict, "duplicate_token", "booking already has an open token"},
		{store.ErrNoActiveCounter, http.StatusConflict, "no_active_counter", "no active counters"},
		{store.ErrBookingNotSettled, http.StatusPreconditionFailed, "booking_not_settled", "booking payment is not settled"},
		{store.Wrap(errors.New("pq: relation missing"), "list tokens"), http.StatusInternalServerError, "internal_error", "internal server error"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error", "internal server error"},
	}
	for _, tt := range tests {
		status, code, message := mapError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code)
		assert.Equal(t, tt.message, message)
	}
}

func TestGenerateToken(t *testing.T) {
	var generated []int64
	engine := fakeEngine{generateFn: func(_ context.Context, bookingID int64) (models.Token, error) {
		generated = append(generated, bookingID)
		return models.Token{TokenID: 1, BookingID: bookingID, TokenNumber: "S3-001", Status: models.StatusPending}, nil
	}}
	bookings := fakeBookings{
		10: {BookingID: 10, UserID: "u-1", SlotID: 3, BookingDate: "2026-10-14", Settled: true},
		11: {BookingID: 11, UserID: "u-2", SlotID: 3, BookingDate: "2026-10-14", Settled: true},
	}
	srv := newTestServer(engine, bookings)

	rec := srv.do(t, http.MethodPost, "/api/tokens", signToken(t, "u-1", "student"), map[string]int64{"booking_id": 10})
	require.Equal(t, http.StatusCreated, rec.Code)
	var token models.Token
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &token))
	assert.Equal(t, "S3-001", token.TokenNumber)

	rec = srv.do(t, http.MethodPost, "/api/tokens", signToken(t, "u-1", "student"), map[string]int64{"booking_id": 11})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/tokens", signToken(t, "u-1", "student"), map[string]int64{"booking_id": 99})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "booking_not_found", decodeError(t, rec).Error.Code)

	// Staff skip the ownership lookup.
	rec = srv.do(t, http.MethodPost, "/api/tokens", signToken(t, "s-1", "staff"), map[string]int64{"booking_id": 99})
	assert.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, []int64{10, 99}, generated)
}

func TestGenerateValidation(t *testing.T) {
	srv := newTestServer(fakeEngine{}, fakeBookings{})
	bearer := signToken(t, "s-1", "staff")

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"empty body", nil, "invalid_json"},
		{"unknown field", `{"booking_id": 1, "slot_id": 2}`, "invalid_json"},
		{"wrong type", `{"booking_id": "one"}`, "invalid_json"},
		{"zero id", `{"booking_id": 0}`, "invalid_request"},
		{"negative id", `{"booking_id": -4}`, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/api/tokens", bearer, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}
}

func TestGenerateEngineErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{store.ErrDuplicateToken, http.StatusConflict},
		{store.ErrBookingNotSettled, http.StatusPreconditionFailed},
		{store.ErrStorageUnavailable, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		err := tt.err
		srv := newTestServer(fakeEngine{generateFn: func(context.Context, int64) (models.Token, error) {
			return models.Token{}, err
		}}, nil)
		rec := srv.do(t, http.MethodPost, "/api/tokens", signToken(t, "s-1", "admin"), map[string]int64{"booking_id": 1})
		assert.Equal(t, tt.status, rec.Code, err.Error())
	}
}

func TestTokenOwnership(t *testing.T) {
	srv := newTestServer(fakeEngine{
		getTokenFn: ownedBy("u-1"),
		byBookingFn: func(_ context.Context, bookingID int64) (models.Token, error) {
			return models.Token{TokenID: 4, BookingID: bookingID, UserID: "u-1"}, nil
		},
		statusFn: func(_ context.Context, tokenID int64) (models.QueueStatus, error) {
			return models.QueueStatus{TokenID: tokenID, QueuePosition: 2, EstimatedWaitTime: 6}, nil
		},
	}, nil)

	owner := signToken(t, "u-1", "student")
	other := signToken(t, "u-2", "student")
	staff := signToken(t, "s-1", "staff")

	for _, path := range []string{"/api/tokens/4", "/api/tokens/4/status", "/api/tokens/by-booking/10"} {
		assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, path, owner, nil).Code, path)
		assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, path, staff, nil).Code, path)
		rec := srv.do(t, http.MethodGet, path, other, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "access_denied", decodeError(t, rec).Error.Code)
	}

	rec := srv.do(t, http.MethodGet, "/api/tokens/4/status", owner, nil)
	var status models.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.QueuePosition)
	assert.Equal(t, 6, status.EstimatedWaitTime)
}

func TestPathValidation(t *testing.T) {
	srv := newTestServer(fakeEngine{}, nil)
	staff := signToken(t, "s-1", "staff")

	for _, path := range []string{"/api/tokens/abc", "/api/tokens/0", "/api/tokens/-1/status", "/api/counters/x/queue", "/api/slots/0/queue"} {
		rec := srv.do(t, http.MethodGet, path, staff, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Equal(t, "invalid_request", decodeError(t, rec).Error.Code, path)
	}
}

func TestStaffOnlyRoutes(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: ownedBy("u-1")}, nil)
	owner := signToken(t, "u-1", "student")

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/tokens/1/activate"},
		{http.MethodPost, "/api/tokens/1/start"},
		{http.MethodPost, "/api/tokens/1/serve"},
		{http.MethodPost, "/api/tokens/1/no-show"},
		{http.MethodGet, "/api/counters"},
		{http.MethodGet, "/api/counters/1/queue"},
		{http.MethodPost, "/api/counters/1/close"},
		{http.MethodPost, "/api/counters/1/reopen"},
		{http.MethodGet, "/api/slots/1/queue"},
	}
	for _, route := range routes {
		rec := srv.do(t, route.method, route.path, owner, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, route.path)
	}
}

func TestTokenActions(t *testing.T) {
	var calls []string
	record := func(name string) func(context.Context, int64) (models.Token, error) {
		return func(_ context.Context, tokenID int64) (models.Token, error) {
			calls = append(calls, name)
			return models.Token{TokenID: tokenID}, nil
		}
	}
	srv := newTestServer(fakeEngine{
		activateFn: record("activate"),
		startFn: func(context.Context, int64) (models.Token, error) {
			calls = append(calls, "start")
			return models.Token{}, store.ErrNotFirstInLine
		},
		serveFn: record("serve"),
		noShowFn: func(_ context.Context, tokenID int64, reason string) (models.Token, error) {
			calls = append(calls, "no_show:"+reason)
			return models.Token{TokenID: tokenID, Status: models.StatusNoShow}, nil
		},
	}, nil)
	staff := signToken(t, "s-1", "staff")

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/tokens/3/activate", staff, nil).Code)
	rec := srv.do(t, http.MethodPost, "/api/tokens/3/start", staff, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_first_in_line", decodeError(t, rec).Error.Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/tokens/3/serve", staff, nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/tokens/3/no-show", staff, map[string]string{"reason": " left the hall "}).Code)

	assert.Equal(t, []string{"activate", "start", "serve", "no_show:left the hall"}, calls)
}

func TestCancel(t *testing.T) {
	var reasons []string
	srv := newTestServer(fakeEngine{
		getTokenFn: ownedBy("u-1"),
		cancelFn: func(_ context.Context, tokenID int64, reason string) (models.Token, error) {
			reasons = append(reasons, reason)
			return models.Token{TokenID: tokenID, UserID: "u-1", Status: models.StatusCancelled}, nil
		},
	}, nil)

	rec := srv.do(t, http.MethodPost, "/api/tokens/8/cancel", signToken(t, "u-1", "student"), map[string]string{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(t, http.MethodPost, "/api/tokens/8/cancel", signToken(t, "s-1", "staff"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(t, http.MethodPost, "/api/tokens/8/cancel", signToken(t, "u-2", "student"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/tokens/8/cancel", signToken(t, "u-1", "student"), `{"reason":"x","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	long := make([]byte, maxReasonLength+1)
	for i := range long {
		long[i] = 'a'
	}
	rec = srv.do(t, http.MethodPost, "/api/tokens/8/cancel", signToken(t, "u-1", "student"), map[string]string{"reason": string(long)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"changed plans", ""}, reasons)
}

func TestMyTokensFilter(t *testing.T) {
	var got []store.TokenFilter
	srv := newTestServer(fakeEngine{listTokensFn: func(_ context.Context, filter store.TokenFilter) ([]models.Token, error) {
		got = append(got, filter)
		return []models.Token{}, nil
	}}, nil)
	bearer := signToken(t, "u-1", "student")

	rec := srv.do(t, http.MethodGet, "/api/users/me/tokens?status=active&date=2026-10-14", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":[]}`, rec.Body.String())
	rec = srv.do(t, http.MethodGet, "/api/users/me/tokens", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/users/me/tokens?status=waiting", bearer, nil).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/users/me/tokens?date=14-10-2026", bearer, nil).Code)

	assert.Equal(t, []store.TokenFilter{
		{UserID: "u-1", Status: models.StatusActive, BookingDate: "2026-10-14"},
		{UserID: "u-1"},
	}, got)
}

func TestCounterRoutes(t *testing.T) {
	counterID := int64(2)
	var closed []string
	srv := newTestServer(fakeEngine{
		countersFn: func(context.Context) ([]models.Counter, error) {
			return []models.Counter{{CounterID: 1, Name: "Counter A", IsActive: true}}, nil
		},
		counterQueueFn: func(_ context.Context, id int64) (models.QueueProgress, error) {
			if id == 9 {
				return models.QueueProgress{}, store.ErrCounterNotFound
			}
			return models.QueueProgress{CounterID: id, QueueLength: 3, NextInQueue: []models.QueueEntry{}}, nil
		},
		closeFn: func(_ context.Context, id int64, reason string) (models.CloseCounterResult, error) {
			closed = append(closed, reason)
			return models.CloseCounterResult{
				Counter: models.Counter{CounterID: id},
				Reassignments: []models.TokenReassignment{
					{TokenID: 5, FromCounterID: id, ToCounterID: &counterID, NewPosition: 1},
				},
			}, nil
		},
		reopenFn: func(_ context.Context, id int64) (models.Counter, error) {
			return models.Counter{CounterID: id, IsActive: true}, nil
		},
	}, nil)
	staff := signToken(t, "s-1", "staff")

	rec := srv.do(t, http.MethodGet, "/api/counters", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"counter_name":"Counter A"`)

	rec = srv.do(t, http.MethodGet, "/api/counters/1/queue", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_length":3`)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/api/counters/9/queue", staff, nil).Code)

	rec = srv.do(t, http.MethodPost, "/api/counters/1/close", staff, map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.CloseCounterResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Reassignments, 1)
	assert.Equal(t, int64(2), *result.Reassignments[0].ToCounterID)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodPost, "/api/counters/1/close", staff, nil).Code)
	assert.Equal(t, []string{"maintenance", ""}, closed)

	rec = srv.do(t, http.MethodPost, "/api/counters/1/reopen", staff, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_active":true`)
}

func TestSlotQueueDate(t *testing.T) {
	var dates []string
	srv := newTestServer(fakeEngine{slotFn: func(_ context.Context, slotID int64, bookingDate string) (models.SlotQueueStatus, error) {
		dates = append(dates, bookingDate)
		return models.SlotQueueStatus{SlotID: slotID, BookingDate: bookingDate}, nil
	}}, nil)
	staff := signToken(t, "s-1", "staff")

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/slots/3/queue?date=2026-10-01", staff, nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/slots/3/queue", staff, nil).Code)
	assert.Equal(t, http.StatusBadRequest, srv.do(t, http.MethodGet, "/api/slots/3/queue?date=2026-13-01", staff, nil).Code)
	assert.Equal(t, []string{"2026-10-01", "2026-10-14"}, dates)
}

func TestLiveStreamAuthorization(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: func(_ context.Context, tokenID int64) (models.Token, error) {
		if tokenID == 404 {
			return models.Token{}, store.ErrTokenNotFound
		}
		if tokenID == 500 {
			return models.Token{}, store.ErrStorageUnavailable
		}
		return models.Token{TokenID: tokenID, UserID: "u-1"}, nil
	}}, nil)

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/tokens/7/live", signToken(t, "u-1", "student"), nil).Code)
	assert.Equal(t, http.StatusForbidden, srv.do(t, http.MethodGet, "/api/tokens/7/live", signToken(t, "u-2", "student"), nil).Code)
	// A missing token still opens the stream, which reports the error itself.
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/tokens/404/live", signToken(t, "u-2", "student"), nil).Code)
	assert.Equal(t, http.StatusInternalServerError, srv.do(t, http.MethodGet, "/api/tokens/500/live", signToken(t, "u-1", "student"), nil).Code)

	// EventSource clients pass the token as a query parameter.
	req := httptest.NewRequest(http.MethodGet, "/api/tokens/7/live?access_token="+signToken(t, "u-1", "student"), nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int64{7, 404, 7}, srv.streamer.served)
}

func TestAuthorizeStream(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: ownedBy("u-1")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/realtime/tokens/info?token_id=7&access_token="+signToken(t, "u-1", "student"), nil)
	assert.NoError(t, srv.handler.AuthorizeStream(req, 7))

	req = httptest.NewRequest(http.MethodGet, "/realtime/tokens/info?token_id=7&access_token="+signToken(t, "u-2", "student"), nil)
	assert.ErrorIs(t, srv.handler.AuthorizeStream(req, 7), errAccessDenied)

	req = httptest.NewRequest(http.MethodGet, "/realtime/tokens/info?token_id=7", nil)
	assert.ErrorIs(t, srv.handler.AuthorizeStream(req, 7), errMissingToken)
}

func TestAuthorizeStreamOutlivesOpeningRequest(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: func(ctx context.Context, tokenID int64) (models.Token, error) {
		if err := ctx.Err(); err != nil {
			return models.Token{}, err
		}
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return models.Token{TokenID: tokenID, UserID: "u-1", Status: models.StatusActive}, nil
	}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/realtime/tokens/000/abc/xhr?token_id=7&access_token="+signToken(t, "u-1", "student"), nil)
	assert.NoError(t, srv.handler.AuthorizeStream(req.WithContext(ctx), 7))
}

func TestRateLimiting(t *testing.T) {
	srv := newTestServer(fakeEngine{getTokenFn: ownedBy("u-1")}, nil, func(o *Options) {
		o.Limiter = NewRateLimiter(RateLimitConfig{IPPerMinute: 6000, IPBurst: 100, UserPerMinute: 1, UserBurst: 2})
	})
	bearer := signToken(t, "u-1", "student")

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/tokens/1", bearer, nil).Code)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/tokens/1", bearer, nil).Code)
	rec := srv.do(t, http.MethodGet, "/api/tokens/1", bearer, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Error.Code)

	// Another user has their own bucket.
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/api/tokens/1", signToken(t, "s-1", "staff"), nil).Code)
}

func TestKeyedLimiterDropsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	limiter := newKeyedLimiter(60, 1)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("a"))
	assert.False(t, limiter.allow("a"))
	assert.True(t, limiter.allow("b"))

	now = now.Add(limiterIdleTTL + time.Second)
	assert.True(t, limiter.allow("b"))
	assert.Len(t, limiter.limiters, 1)
}
