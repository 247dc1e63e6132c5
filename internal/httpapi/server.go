// Package httpapi exposes the Stripe webhook, the account view and the metered
// endpoints over gin.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/metering"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"
)

const (
	maxWebhookBodyBytes  = 512 << 10
	maxMeteredBodyBytes  = 1 << 20
	headerCoinsCharged   = "X-Coins-Charged"
	headerReservationID  = "X-Reservation-ID"
	shutdownGracePeriod  = 5 * time.Second
	defaultUpstreamMedia = "application/json"
)

// ErrInvalidServerConfig indicates missing dependencies.
var ErrInvalidServerConfig = errors.New("invalid server config")

var errBodyTooLarge = errors.New("request body too large")

// Accounts opens and reads ledger accounts.
type Accounts interface {
	OpenAccount(ctx context.Context, userID ledger.UserID, signupCoins ledger.Coins) (ledger.Account, bool, error)
	ListEntries(ctx context.Context, userID ledger.UserID, before time.Time, limit int) ([]ledger.Entry, error)
}

// Meter runs a call behind a coin debit.
type Meter interface {
	Meter(ctx context.Context, userID ledger.UserID, cost ledger.Coins, endpoint string, call func(ctx context.Context) error) (ledger.Reservation, error)
}

// EventVerifier authenticates webhook payloads.
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (webhook.VerifiedEvent, error)
}

// EventHandler fulfills verified webhook events exactly once.
type EventHandler interface {
	Handle(ctx context.Context, event webhook.VerifiedEvent) (fulfillment.Result, error)
}

// Doer sends upstream requests.
type Doer interface {
	Do(request *http.Request) (*http.Response, error)
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Accounts  Accounts
	Meter     Meter
	Verifier  EventVerifier
	Processor EventHandler
	Upstream  Doer
	Logger    *zap.Logger
}

// Run serves the router until ctx is canceled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	router, err := NewRouter(cfg, deps)
	if err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
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

// NewRouter validates cfg and builds the gin engine.
func NewRouter(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidServerConfig, err)
	}
	if deps.Accounts == nil || deps.Meter == nil || deps.Verifier == nil || deps.Processor == nil {
		return nil, fmt.Errorf("%w: accounts, meter, verifier and processor are required", ErrInvalidServerConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Upstream == nil {
		deps.Upstream = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	handler := &httpHandler{cfg: cfg, deps: deps, logger: deps.Logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		ExposeHeaders:    []string{headerCoinsCharged, headerReservationID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/stripe", handler.handleStripeWebhook)

	if cfg.SessionSigningKey != "" {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		api := router.Group("/api")
		api.Use(validator.GinMiddleware(contextKeyClaims), sessionUser())
		handler.registerAccountRoutes(api)
	}
	if cfg.JWTSigningKey != "" {
		service := router.Group("/v1")
		service.Use(bearerAuth([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))
		handler.registerAccountRoutes(service)
	}
	return router, nil
}

type httpHandler struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
}

func (handler *httpHandler) registerAccountRoutes(group *gin.RouterGroup) {
	group.GET("/account", handler.handleAccount)
	group.GET("/account/transactions", handler.handleTransactions)
	group.POST("/metered/:endpoint", handler.handleMetered)
}

func (handler *httpHandler) handleStripeWebhook(ctx *gin.Context) {
	payload, err := readBody(ctx.Request.Body, maxWebhookBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		handler.logger.Error("webhook payload exceeds limit", zap.Int("limit_bytes", maxWebhookBodyBytes))
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", err.Error()))
		return
	}
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	event, err := handler.deps.Verifier.Verify(payload, ctx.GetHeader(webhook.SignatureHeader))
	if err != nil {
		handler.logger.Warn("webhook rejected", zap.Error(err))
		if errors.Is(err, webhook.ErrInvalidSignature) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
			return
		}
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	result, err := handler.deps.Processor.Handle(requestCtx, event)
	if err != nil && result.Status == "" {
		if errors.Is(err, ledger.ErrInvalidEventID) || errors.Is(err, ledger.ErrInvalidEventType) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
			return
		}
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "event could not be reserved"))
		return
	}
	handler.logger.Info("webhook handled",
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.EventType),
		zap.String("status", string(result.Status)),
		zap.String("user_id", result.UserID),
		zap.Bool("live_mode", event.LiveMode),
		zap.String("api_version", event.APIVersion),
	)
	ctx.JSON(http.StatusOK, gin.H{
		"event_id": result.EventID,
		"status":   result.Status,
		"kind":     result.Kind.String(),
	})
}

func (handler *httpHandler) handleAccount(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	account, ok := handler.openAccount(ctx, userID)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account": newAccountPayload(account)})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	var before time.Time
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_input", "before must be an RFC 3339 timestamp"))
			return
		}
		before = parsed
	}
	if _, ok := handler.openAccount(ctx, userID); !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entries, err := handler.deps.Accounts.ListEntries(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleMetered(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing user"))
		return
	}
	endpoint, ok := handler.cfg.endpoint(ctx.Param("endpoint"))
	if !ok {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_endpoint", "no metered endpoint with that name"))
		return
	}
	body, err := readBody(ctx.Request.Body, maxMeteredBodyBytes)
	if errors.Is(err, errBodyTooLarge) {
		ctx.JSON(http.StatusRequestEntityTooLarge, errorResponse("payload_too_large", err.Error()))
		return
	}
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	if _, ok := handler.openAccount(ctx, userID); !ok {
		return
	}

	var upstream upstreamResponse
	call := func(callCtx context.Context) error {
		response, err := handler.callUpstream(callCtx, endpoint, ctx.ContentType(), body)
		upstream = response
		return err
	}
	reservation, err := handler.deps.Meter.Meter(ctx.Request.Context(), userID, ledger.Coins(endpoint.Cost), endpoint.Name, call)
	var insufficient *ledger.InsufficientBalanceError
	switch {
	case err == nil, metering.IsUserInputError(err):
		ctx.Header(headerCoinsCharged, strconv.FormatInt(endpoint.Cost, 10))
		ctx.Header(headerReservationID, reservation.ReservationID)
		ctx.Data(upstream.status, upstream.contentType, upstream.body)
	case errors.As(err, &insufficient):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":     gin.H{"code": "insufficient_balance", "message": "not enough coins"},
			"required":  insufficient.Required.Int64(),
			"available": insufficient.Available.Int64(),
		})
	case errors.Is(err, metering.ErrCompensationFailed):
		handler.logger.Error("metered call failed without refund",
			zap.String("reservation_id", reservation.ReservationID),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		ctx.JSON(http.StatusBadGateway, errorResponse("upstream_error", "upstream failed; refund pending"))
	case isLedgerError(err):
		handler.respondLedgerError(ctx, err)
	default:
		handler.logger.Warn("metered call refunded",
			zap.String("reservation_id", reservation.ReservationID),
			zap.String("endpoint", endpoint.Name),
			zap.Error(err),
		)
		ctx.Header(headerReservationID, reservation.ReservationID)
		ctx.JSON(http.StatusBadGateway, errorResponse("upstream_error", "upstream failed; coins refunded"))
	}
}

type upstreamResponse struct {
	status      int
	contentType string
	body        []byte
}

type upstreamStatusError struct {
	status int
}

func (statusError upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", statusError.status)
}

// callUpstream forwards the body; a 4xx answer is the caller's fault and keeps the charge.
func (handler *httpHandler) callUpstream(ctx context.Context, endpoint MeteredEndpoint, contentType string, body []byte) (upstreamResponse, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return upstreamResponse{}, err
	}
	if contentType == "" {
		contentType = defaultUpstreamMedia
	}
	request.Header.Set("Content-Type", contentType)
	response, err := handler.deps.Upstream.Do(request)
	if err != nil {
		return upstreamResponse{}, err
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxMeteredBodyBytes))
	if err != nil {
		return upstreamResponse{}, err
	}
	result := upstreamResponse{
		status:      response.StatusCode,
		contentType: response.Header.Get("Content-Type"),
		body:        payload,
	}
	if result.contentType == "" {
		result.contentType = defaultUpstreamMedia
	}
	switch {
	case response.StatusCode >= http.StatusInternalServerError:
		return result, upstreamStatusError{status: response.StatusCode}
	case response.StatusCode >= http.StatusBadRequest:
		return result, metering.NewUserInputError(upstreamStatusError{status: response.StatusCode})
	default:
		return result, nil
	}
}

func (handler *httpHandler) openAccount(ctx *gin.Context, userID ledger.UserID) (ledger.Account, bool) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	account, created, err := handler.deps.Accounts.OpenAccount(requestCtx, userID, handler.cfg.SignupCoins)
	if err != nil {
		handler.respondLedgerError(ctx, err)
		return ledger.Account{}, false
	}
	if created {
		handler.logger.Info("account opened", zap.String("user_id", userID.String()), zap.Int64("coins", account.CoinBalance.Int64()))
	}
	return account, true
}

func (handler *httpHandler) respondLedgerError(ctx *gin.Context, err error) {
	status, code := ledgerErrorStatus(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("ledger operation failed", zap.String("code", code), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func isLedgerError(err error) bool {
	status, _ := ledgerErrorStatus(err)
	return status != http.StatusInternalServerError
}

func ledgerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, ledger.ErrOutcomeUnknown):
		return http.StatusConflict, "outcome_unknown"
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, ledger.ErrConflictRetriesExhausted):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, ledger.ErrInvalidUserID), errors.Is(err, ledger.ErrInvalidCoins):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "ledger_error"
	}
}

type accountPayload struct {
	UserID            string `json:"user_id"`
	CoinBalance       int64  `json:"coin_balance"`
	SubscriptionState string `json:"subscription_state"`
	ActivePlanID      string `json:"active_plan_id,omitempty"`
}

func newAccountPayload(account ledger.Account) accountPayload {
	return accountPayload{
		UserID:            account.UserID.String(),
		CoinBalance:       account.CoinBalance.Int64(),
		SubscriptionState: account.SubscriptionState.String(),
		ActivePlanID:      account.ActivePlanID,
	}
}

type entryPayload struct {
	EntryID      string    `json:"entry_id"`
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func newEntryPayload(entry ledger.Entry) entryPayload {
	return entryPayload{
		EntryID:      entry.EntryID,
		Type:         entry.Type.String(),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter.Int64(),
		Reason:       entry.Reason,
		CreatedAt:    entry.CreatedAt,
	}
}

// readBody reads at most limit bytes and reports errBodyTooLarge instead of truncating.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", errBodyTooLarge, limit)
	}
	return payload, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
