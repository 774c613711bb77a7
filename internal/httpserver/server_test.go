package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/craudiovizai/creditguard/internal/store/gormstore"
	"github.com/craudiovizai/creditguard/pkg/guard"
)

func newTestHandler(test *testing.T) (*httpHandler, *guard.Guard) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/creditguard.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	store := gormstore.New(db)
	service, err := guard.NewGuard(store, guard.NewPolicyConfig("none", "", "", false))
	if err != nil {
		test.Fatalf("new guard: %v", err)
	}
	handler := &httpHandler{
		logger:    zap.NewNop(),
		service:   service,
		cache:     store,
		catalogue: guard.NewCatalogue(nil),
	}
	return handler, service
}

func newTestContext(method, path string, payload map[string]any) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(method, path, payloadReader(payload))
	return ctx, recorder
}

func payloadReader(payload map[string]any) *bytes.Reader {
	if payload == nil {
		return bytes.NewReader(nil)
	}
	encoded, _ := json.Marshal(payload)
	return bytes.NewReader(encoded)
}

func testClaims() *sessionvalidator.Claims {
	return &sessionvalidator.Claims{
		UserID:    "org-demo",
		UserEmail: "demo@example.com",
		UserRoles: []string{"member"},
	}
}

func grantCredits(test *testing.T, service *guard.Guard, orgID string, amount int64, idemKey string) {
	test.Helper()
	org, err := guard.NewOrgID(orgID)
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	cost, err := guard.NewCost(amount)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	key, err := guard.NewIdempotencyKey(idemKey)
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	metadata, err := guard.NewMetadataJSON("")
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if err := service.Grant(context.Background(), org, cost, key, metadata); err != nil {
		test.Fatalf("grant: %v", err)
	}
}

func TestDebitRequiresIdempotencyKeyHeader(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/debit", map[string]any{"action": "draft"})
	ctx.Set(authClaimsContextKey, testClaims())
	handler.handleDebit(ctx)

	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode body: %v", err)
	}
	if body["error"] != "idempotency_key_required" {
		test.Fatalf("unexpected error code: %v", body["error"])
	}
}

func TestDebitChargesThenReplaysCachedResult(test *testing.T) {
	handler, service := newTestHandler(test)
	grantCredits(test, service, "org-demo", 20, "seed-grant")
	payload := map[string]any{"action": "draft"}

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/debit", payload)
	ctx.Set(authClaimsContextKey, testClaims())
	ctx.Request.Header.Set(headerIdempotencyKey, "req-1")
	handler.handleDebit(ctx)
	if recorder.Code != http.StatusOK {
		test.Fatalf("debit status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var first map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &first); err != nil {
		test.Fatalf("decode: %v", err)
	}
	data := first["data"].(map[string]any)
	if data["status"] != "charged" || data["cost"] != float64(2) || data["balance"] != float64(18) {
		test.Fatalf("unexpected debit payload: %v", data)
	}

	replayCtx, replayRecorder := newTestContext(http.MethodPost, "/api/credits/debit", payload)
	replayCtx.Set(authClaimsContextKey, testClaims())
	replayCtx.Request.Header.Set(headerIdempotencyKey, "req-1")
	handler.handleDebit(replayCtx)
	if replayRecorder.Code != http.StatusOK {
		test.Fatalf("replay status=%d body=%s", replayRecorder.Code, replayRecorder.Body.String())
	}
	if replayRecorder.Body.String() != recorder.Body.String() {
		test.Fatalf("replay must return the cached response verbatim")
	}

	org, err := guard.NewOrgID("org-demo")
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	summary, err := service.Balance(context.Background(), org)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if summary.CreditsRemaining != 18 {
		test.Fatalf("replay must not debit again, balance %d", summary.CreditsRemaining)
	}
}

func TestDebitInsufficientReturns402WithOffers(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/debit", map[string]any{"action": "ai_apply"})
	ctx.Set(authClaimsContextKey, testClaims())
	ctx.Request.Header.Set(headerIdempotencyKey, "req-broke")
	handler.handleDebit(ctx)

	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if body["error"] != "credits_insufficient" {
		test.Fatalf("unexpected error code: %v", body["error"])
	}
	if body["required"] != float64(10) || body["balance"] != float64(0) {
		test.Fatalf("unexpected decline payload: %v", body)
	}
	offers, ok := body["offers"].([]any)
	if !ok || len(offers) != 3 {
		test.Fatalf("expected 3 offers, got %v", body["offers"])
	}
}

func TestDebitRejectsMissingAction(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/debit", map[string]any{})
	ctx.Set(authClaimsContextKey, testClaims())
	ctx.Request.Header.Set(headerIdempotencyKey, "req-empty")
	handler.handleDebit(ctx)

	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestDebitHonorsOrgHeaderOverUserID(test *testing.T) {
	handler, service := newTestHandler(test)
	grantCredits(test, service, "org-team", 10, "team-grant")

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/debit", map[string]any{"action": "draft"})
	ctx.Set(authClaimsContextKey, testClaims())
	ctx.Request.Header.Set(headerIdempotencyKey, "req-team")
	ctx.Request.Header.Set(headerOrgID, "org-team")
	handler.handleDebit(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("debit status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	data := body["data"].(map[string]any)
	if data["balance"] != float64(8) {
		test.Fatalf("expected org-team wallet debited to 8, got %v", data["balance"])
	}
}

func TestBalanceEndpointReturnsZerosForNewOrg(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodGet, "/api/credits/balance", nil)
	ctx.Set(authClaimsContextKey, testClaims())
	handler.handleBalance(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("balance status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	data := body["data"].(map[string]any)
	if data["credits_remaining"] != float64(0) || data["plan"] != "starter" {
		test.Fatalf("unexpected balance payload: %v", data)
	}
}

func TestPreviewEndpointQuotesCost(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/preview", map[string]any{"action": "draft"})
	ctx.Set(authClaimsContextKey, testClaims())
	handler.handlePreview(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("preview status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	data := body["data"].(map[string]any)
	if data["credits"] != float64(2) || data["usd"] != 0.008 || data["tokens"] != float64(400) {
		test.Fatalf("unexpected preview payload: %v", data)
	}
}

func TestLedgerEndpointListsEntries(test *testing.T) {
	handler, service := newTestHandler(test)
	grantCredits(test, service, "org-demo", 20, "ledger-grant")

	debitCtx, debitRecorder := newTestContext(http.MethodPost, "/api/credits/debit", map[string]any{"action": "draft"})
	debitCtx.Set(authClaimsContextKey, testClaims())
	debitCtx.Request.Header.Set(headerIdempotencyKey, "ledger-req")
	handler.handleDebit(debitCtx)
	if debitRecorder.Code != http.StatusOK {
		test.Fatalf("debit status=%d body=%s", debitRecorder.Code, debitRecorder.Body.String())
	}

	ctx, recorder := newTestContext(http.MethodGet, "/api/credits/ledger?limit=10", nil)
	ctx.Set(authClaimsContextKey, testClaims())
	handler.handleLedger(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("ledger status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		test.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 2 {
		test.Fatalf("expected grant plus charge rows, got %d", len(body.Data))
	}
}

func TestTopupGrantsCredits(test *testing.T) {
	handler, service := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodPost, "/api/credits/topup", map[string]any{"amount": 50})
	ctx.Set(authClaimsContextKey, testClaims())
	ctx.Request.Header.Set(headerIdempotencyKey, "stripe-evt-9")
	handler.handleTopup(ctx)

	if recorder.Code != http.StatusOK {
		test.Fatalf("topup status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	org, err := guard.NewOrgID("org-demo")
	if err != nil {
		test.Fatalf("org id: %v", err)
	}
	summary, err := service.Balance(context.Background(), org)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if summary.CreditsRemaining != 50 {
		test.Fatalf("expected 50 credits, got %d", summary.CreditsRemaining)
	}
}

func TestEndpointsRejectMissingSession(test *testing.T) {
	handler, _ := newTestHandler(test)

	ctx, recorder := newTestContext(http.MethodGet, "/api/credits/balance", nil)
	handler.handleBalance(ctx)

	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}
