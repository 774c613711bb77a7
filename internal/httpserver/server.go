package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/craudiovizai/creditguard/pkg/guard"
)

// Run boots the billing HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *guard.Guard, cache guard.ResultCache, catalogue guard.Catalogue) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:    logger,
		service:   service,
		cache:     cache,
		catalogue: catalogue,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerIdempotencyKey, headerOrgID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/credits")
	api.Use(validator.GinMiddleware(authClaimsContextKey))

	api.GET("/balance", handler.handleBalance)
	api.GET("/ledger", handler.handleLedger)
	api.POST("/preview", handler.handlePreview)
	api.POST("/debit", handler.handleDebit)
	api.POST("/topup", handler.handleTopup)

	return router
}

type httpHandler struct {
	logger    *zap.Logger
	service   *guard.Guard
	cache     guard.ResultCache
	catalogue guard.Catalogue
}

type debitRequest struct {
	Action   string           `json:"action"`
	Cost     *int64           `json:"cost"`
	Params   guard.CostParams `json:"params"`
	Metadata map[string]any   `json:"metadata"`
}

type previewRequest struct {
	Action string           `json:"action"`
	Params guard.CostParams `json:"params"`
}

type topupRequest struct {
	Amount   int64          `json:"amount"`
	Metadata map[string]any `json:"metadata"`
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	requestID := uuid.NewString()
	orgID, ok := handler.resolveOrg(ctx, requestID)
	if !ok {
		return
	}
	summary, err := handler.service.Balance(ctx.Request.Context(), orgID)
	if err != nil {
		handler.serverError(ctx, requestID, "balance query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "data": summary, "request_id": requestID})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	requestID := uuid.NewString()
	orgID, ok := handler.resolveOrg(ctx, requestID)
	if !ok {
		return
	}
	filter := guard.LedgerFilter{
		Action:        ctx.Query("action"),
		Status:        guard.EntryStatus(ctx.Query("status")),
		FromUnixUTC:   queryInt64(ctx, "from"),
		BeforeUnixUTC: queryInt64(ctx, "to"),
		Limit:         int(queryInt64(ctx, "limit")),
	}
	entries, err := handler.service.ListLedger(ctx.Request.Context(), orgID, filter)
	if err != nil {
		handler.serverError(ctx, requestID, "ledger query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "data": entries, "request_id": requestID})
}

func (handler *httpHandler) handlePreview(ctx *gin.Context) {
	requestID := uuid.NewString()
	var request previewRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Action == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "action is required", requestID))
		return
	}
	preview, err := handler.catalogue.Preview(request.Action, request.Params)
	if err != nil {
		handler.serverError(ctx, requestID, "preview failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "data": preview, "request_id": requestID})
}

// handleDebit charges the org wallet directly. Every call must carry an
// idempotency key; the full response replays from the result cache when the
// same key arrives again with the same body.
func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	requestID := uuid.NewString()
	orgID, ok := handler.resolveOrg(ctx, requestID)
	if !ok {
		return
	}
	idemKey, ok := handler.requireIdempotencyKey(ctx, requestID)
	if !ok {
		return
	}

	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body", requestID))
		return
	}
	bodyHash := guard.HashBody(body)
	cacheKey := orgID.String() + ":" + idemKey.String()
	if cached, hit, cacheErr := handler.cache.Lookup(ctx.Request.Context(), cacheKey, bodyHash); cacheErr == nil && hit {
		ctx.Data(http.StatusOK, "application/json", cached)
		return
	}

	var request debitRequest
	if err := json.Unmarshal(body, &request); err != nil || request.Action == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "action is required", requestID))
		return
	}
	action, err := guard.NewAction(request.Action)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid action", requestID))
		return
	}
	var cost guard.Cost
	if request.Cost != nil {
		cost, err = guard.NewCost(*request.Cost)
	} else {
		cost, err = handler.catalogue.CostFor(request.Action, request.Params)
	}
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid cost", requestID))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid metadata", requestID))
		return
	}

	outcome, err := handler.service.Charge(ctx.Request.Context(), orgID, action, cost, idemKey, handler.authContext(ctx), metadata)
	if err != nil {
		var decline *guard.DeclineError
		if errors.As(err, &decline) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error":      "credits_insufficient",
				"balance":    decline.Balance,
				"required":   decline.Required,
				"offers":     decline.Offers,
				"request_id": requestID,
			})
			return
		}
		handler.serverError(ctx, requestID, "charge failed", err)
		return
	}

	response := gin.H{
		"ok": true,
		"data": gin.H{
			"status":   outcome.Status,
			"entry_id": outcome.EntryID,
			"cost":     outcome.Cost,
			"balance":  outcome.Balance,
		},
		"request_id": requestID,
	}
	if encoded, encodeErr := json.Marshal(response); encodeErr == nil {
		if storeErr := handler.cache.Store(ctx.Request.Context(), cacheKey, bodyHash, encoded, guard.DefaultResultTTL); storeErr != nil {
			handler.logger.Warn("result cache store failed", zap.Error(storeErr), zap.String("request_id", requestID))
		}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	requestID := uuid.NewString()
	orgID, ok := handler.resolveOrg(ctx, requestID)
	if !ok {
		return
	}
	idemKey, ok := handler.requireIdempotencyKey(ctx, requestID)
	if !ok {
		return
	}
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Amount <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "amount must be positive", requestID))
		return
	}
	amount, err := guard.NewCost(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid amount", requestID))
		return
	}
	metadata, err := metadataFromMap(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "invalid metadata", requestID))
		return
	}
	if err := handler.service.Grant(ctx.Request.Context(), orgID, amount, idemKey, metadata); err != nil {
		handler.serverError(ctx, requestID, "topup failed", err)
		return
	}
	summary, err := handler.service.Balance(ctx.Request.Context(), orgID)
	if err != nil {
		handler.serverError(ctx, requestID, "balance query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true, "data": summary, "request_id": requestID})
}

func (handler *httpHandler) resolveOrg(ctx *gin.Context, requestID string) (guard.OrgID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session", requestID))
		return guard.OrgID{}, false
	}
	raw := ctx.GetHeader(headerOrgID)
	if raw == "" {
		raw = claims.GetUserID()
	}
	orgID, err := guard.NewOrgID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_org", "org id is required", requestID))
		return guard.OrgID{}, false
	}
	return orgID, true
}

// requireIdempotencyKey rejects billable requests missing the header before
// any side effect happens.
func (handler *httpHandler) requireIdempotencyKey(ctx *gin.Context, requestID string) (guard.IdempotencyKey, bool) {
	idemKey, err := guard.NewIdempotencyKey(ctx.GetHeader(headerIdempotencyKey))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("idempotency_key_required", "X-Idempotency-Key header is required", requestID))
		return guard.IdempotencyKey{}, false
	}
	return idemKey, true
}

func (handler *httpHandler) authContext(ctx *gin.Context) guard.AuthContext {
	claims := getClaims(ctx)
	if claims == nil {
		return guard.AuthContext{}
	}
	return guard.AuthContext{
		UserID: claims.GetUserID(),
		Email:  claims.GetUserEmail(),
		Roles:  claims.GetUserRoles(),
	}
}

func (handler *httpHandler) serverError(ctx *gin.Context, requestID string, message string, err error) {
	handler.logger.Error(message, zap.Error(err), zap.String("request_id", requestID))
	ctx.JSON(http.StatusInternalServerError, errorResponse("server_error", message, requestID))
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(authClaimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

func errorResponse(code string, message string, requestID string) gin.H {
	return gin.H{"ok": false, "error": code, "message": message, "request_id": requestID}
}

func metadataFromMap(values map[string]any) (guard.MetadataJSON, error) {
	if len(values) == 0 {
		return guard.NewMetadataJSON("")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return guard.MetadataJSON{}, err
	}
	return guard.NewMetadataJSON(string(encoded))
}

func queryInt64(ctx *gin.Context, name string) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
