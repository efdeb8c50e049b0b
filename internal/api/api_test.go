package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quattrex/settlement-service/internal/app"
	"github.com/quattrex/settlement-service/internal/domain"
	"github.com/quattrex/settlement-service/internal/ledger"
	"github.com/quattrex/settlement-service/internal/payout"
	"github.com/quattrex/settlement-service/internal/store"
)

const (
	testSecret      = "test-jwt-secret"
	testInternalKey = "test-internal-key"
)

type ingesterStub struct {
	received []domain.IncomingNotification
	result   app.IngestResult
	err      error
}

func (s *ingesterStub) Ingest(ctx context.Context, in domain.IncomingNotification) (app.IngestResult, error) {
	s.received = append(s.received, in)
	return s.result, s.err
}

func (s *ingesterStub) Rematch(ctx context.Context, notificationID uuid.UUID) (app.IngestResult, error) {
	return app.IngestResult{NotificationID: notificationID, Status: domain.NotificationUnmatched}, s.err
}

type payoutOpsStub struct {
	PayoutOperations
	err          error
	claimedBy    uuid.UUID
	cancelReason string
}

func (s *payoutOpsStub) Claim(ctx context.Context, traderID, payoutID uuid.UUID) (domain.Payout, error) {
	s.claimedBy = traderID
	if s.err != nil {
		return domain.Payout{}, s.err
	}
	return domain.Payout{ID: payoutID, Status: domain.PayoutAssigned, TraderID: &traderID}, nil
}

func (s *payoutOpsStub) Cancel(ctx context.Context, traderID, payoutID uuid.UUID, reason string) (domain.Payout, error) {
	s.cancelReason = reason
	return domain.Payout{ID: payoutID, Status: domain.PayoutCancelled}, s.err
}

func newTestRouter(ingester NotificationIngester, ops PayoutOperations) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(NewHandler(ingester, ops, logger), testSecret, testInternalKey)
}

func signToken(t *testing.T, method jwt.SigningMethod, subject string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject, ExpiresAt: jwt.NewNumericDate(expires)}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(&ingesterStub{}, &payoutOpsStub{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	router := newTestRouter(&ingesterStub{}, &payoutOpsStub{})

	for _, key := range []string{"", "wrong-key"} {
		req := httptest.NewRequest(http.MethodGet, "/internal/stats", nil)
		if key != "" {
			req.Header.Set("X-Internal-API-Key", key)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("key %q: expected 401, got %d", key, rr.Code)
		}
	}
}

func TestInternalIngest_DuplicateReturnsOK(t *testing.T) {
	notificationID := uuid.New()
	ingester := &ingesterStub{
		result: app.IngestResult{NotificationID: notificationID, Duplicate: true},
		err:    app.ErrDuplicateNotification,
	}
	router := newTestRouter(ingester, &payoutOpsStub{})

	body := fmt.Sprintf(`{"trader_id":%q,"package_name":"ru.sberbankmobile","text":"+3201р"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/internal/notifications", strings.NewReader(body))
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var result app.IngestResult
	if err := json.NewDecoder(rr.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Duplicate || result.NotificationID != notificationID {
		t.Fatalf("unexpected response: %+v", result)
	}
}

func TestTraderNotification_UsesTokenSubject(t *testing.T) {
	ingester := &ingesterStub{result: app.IngestResult{Status: domain.NotificationUnparsed}}
	router := newTestRouter(ingester, &payoutOpsStub{})
	traderID := uuid.New()

	body := fmt.Sprintf(`{"trader_id":%q,"text":"+100р"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, traderID.String(), time.Now().Add(time.Hour)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(ingester.received) != 1 || ingester.received[0].TraderID != traderID {
		t.Fatalf("expected trader id from token, got %+v", ingester.received)
	}
}

func TestTraderNotification_ForeignIDIsConflict(t *testing.T) {
	ingester := &ingesterStub{err: fmt.Errorf("%w: notification id already in use", store.ErrDuplicateRecord)}
	router := newTestRouter(ingester, &payoutOpsStub{})

	body := fmt.Sprintf(`{"id":%q,"text":"+100р"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/notifications", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.SigningMethodHS256, uuid.NewString(), time.Now().Add(time.Hour)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "transaction_id") || strings.Contains(rr.Body.String(), "status") {
		t.Fatalf("conflict must not describe the stored notification: %s", rr.Body.String())
	}
}

func TestTraderAuth_RejectsBadTokens(t *testing.T) {
	router := newTestRouter(&ingesterStub{}, &payoutOpsStub{})
	traderID := uuid.New().String()

	tests := map[string]string{
		"missing header": "",
		"not bearer":     "Token abc",
		"garbage":        "Bearer not-a-jwt",
		"expired":        "Bearer " + signToken(t, jwt.SigningMethodHS256, traderID, time.Now().Add(-time.Minute)),
		"wrong alg":      "Bearer " + signToken(t, jwt.SigningMethodHS512, traderID, time.Now().Add(time.Hour)),
		"non-uuid sub":   "Bearer " + signToken(t, jwt.SigningMethodHS256, "trader-7", time.Now().Add(time.Hour)),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/claim", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestClaimPayout(t *testing.T) {
	ops := &payoutOpsStub{}
	router := newTestRouter(&ingesterStub{}, ops)
	traderID := uuid.New()
	token := signToken(t, jwt.SigningMethodHS256, traderID.String(), time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/claim", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || ops.claimedBy != traderID {
		t.Fatalf("expected claim by %s, got %d (%s)", traderID, rr.Code, ops.claimedBy)
	}

	req = httptest.NewRequest(http.MethodPost, "/payouts/not-a-uuid/claim", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", rr.Code)
	}

	ops.err = fmt.Errorf("claim: %w", store.ErrStaleTransition)
	req = httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/claim", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale claim, got %d", rr.Code)
	}
}

func TestCancelPayout_PassesReason(t *testing.T) {
	ops := &payoutOpsStub{}
	router := newTestRouter(&ingesterStub{}, ops)
	token := signToken(t, jwt.SigningMethodHS256, uuid.NewString(), time.Now().Add(time.Hour))

	req := httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/cancel", strings.NewReader(`{"reason":"card blocked"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || ops.cancelReason != "card blocked" {
		t.Fatalf("expected cancel with reason, got %d %q", rr.Code, ops.cancelReason)
	}

	req = httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || ops.cancelReason != "" {
		t.Fatalf("expected cancel without body to succeed, got %d %q", rr.Code, ops.cancelReason)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: text is required", app.ErrInvalidNotification), http.StatusBadRequest},
		{app.ErrInvalidPayout, http.StatusBadRequest},
		{store.ErrPayoutNotFound, http.StatusNotFound},
		{store.ErrNotificationNotFound, http.StatusNotFound},
		{store.ErrNotPayoutHolder, http.StatusForbidden},
		{store.ErrStaleTransition, http.StatusConflict},
		{store.ErrDuplicateRecord, http.StatusConflict},
		{payout.ErrInsufficientBalance, http.StatusUnprocessableEntity},
		{ledger.ErrInsufficientFunds, http.StatusUnprocessableEntity},
		{store.ErrCapacityReached, http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type limiterStub struct {
	limits app.TraderRateLimits
	counts map[string]int
	err    error
}

func (l *limiterStub) Allow(ctx context.Context, scope app.RateScope, traderID uuid.UUID) (app.RateDecision, error) {
	if l.err != nil {
		return app.RateDecision{}, l.err
	}
	limit := l.limits[scope]
	if limit <= 0 {
		return app.RateDecision{Allowed: true}, nil
	}
	if l.counts == nil {
		l.counts = make(map[string]int)
	}
	key := string(scope) + ":" + traderID.String()
	l.counts[key]++
	if l.counts[key] > limit {
		return app.RateDecision{Limit: limit, RetryAfter: 41500 * time.Millisecond}, nil
	}
	return app.RateDecision{Allowed: true, Limit: limit, Remaining: limit - l.counts[key]}, nil
}

func TestClaimRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(&ingesterStub{}, &payoutOpsStub{}, logger)
	limiter := &limiterStub{limits: app.TraderRateLimits{app.ScopeClaim: 2}}
	h.SetRateLimiter(limiter)
	router := NewRouter(h, testSecret, testInternalKey)
	token := signToken(t, jwt.SigningMethodHS256, uuid.NewString(), time.Now().Add(time.Hour))

	claim := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payouts/"+uuid.NewString()+"/claim", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	for i, remaining := range []string{"1", "0"} {
		rr := claim()
		if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Remaining") != remaining {
			t.Fatalf("claim %d: expected 200 with %s remaining, got %d %q", i+1, remaining, rr.Code, rr.Header().Get("X-RateLimit-Remaining"))
		}
	}
	rr := claim()
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") != "42" {
		t.Fatalf("expected 429 with Retry-After, got %d %q", rr.Code, rr.Header().Get("Retry-After"))
	}

	limiter.err = errors.New("redis down")
	if rr := claim(); rr.Code != http.StatusOK {
		t.Fatalf("limiter outage must let claims through, got %d", rr.Code)
	}
}
