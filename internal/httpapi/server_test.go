package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/coinledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/fulfillment"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/metering"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/webhook"
)

const (
	testWebhookSecret = "whsec_http_test"
	testJWTKey        = "jwt-test-key"
	testSessionKey    = "session-test-key"
	testUser          = "user-1"
	testEndpointCost  = 3
)

type apiFixture struct {
	store    *memstore.Store
	service  *ledger.Service
	server   *httptest.Server
	upstream *httptest.Server
}

func newAPIFixture(test *testing.T, upstream http.HandlerFunc) apiFixture {
	test.Helper()
	store := memstore.New()
	service, err := ledger.NewService(store, time.Now, ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 50, InitialInterval: time.Microsecond, MaxInterval: 10 * time.Microsecond}))
	require.NoError(test, err)
	gate, err := metering.NewGate(service, time.Now, metering.WithReservationStore(store))
	require.NoError(test, err)
	verifier, err := webhook.NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	processor, err := fulfillment.NewProcessor(service, store, time.Now)
	require.NoError(test, err)

	upstreamServer := httptest.NewServer(upstream)
	test.Cleanup(upstreamServer.Close)

	router, err := NewRouter(Config{
		SessionSigningKey: testSessionKey,
		JWTSigningKey:     testJWTKey,
		SignupCoins:       10,
		Endpoints: []MeteredEndpoint{
			{Name: "summarize", Cost: testEndpointCost, UpstreamURL: upstreamServer.URL + "/summarize"},
		},
	}, Dependencies{Accounts: service, Meter: gate, Verifier: verifier, Processor: processor})
	require.NoError(test, err)
	server := httptest.NewServer(router)
	test.Cleanup(server.Close)
	return apiFixture{store: store, service: service, server: server, upstream: upstreamServer}
}

func (fixture apiFixture) balance(test *testing.T) ledger.Coins {
	test.Helper()
	userID, err := ledger.NewUserID(testUser)
	require.NoError(test, err)
	balance, err := fixture.service.GetBalance(context.Background(), userID)
	require.NoError(test, err)
	return balance
}

func bearerFor(test *testing.T, subject string) string {
	test.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    defaultJWTIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTKey))
	require.NoError(test, err)
	return bearerPrefix + signed
}

func sessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: "Test User",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionKey))
	require.NoError(test, err)
	return &http.Cookie{Name: defaultSessionCookie, Value: signed}
}

func doRequest(test *testing.T, request *http.Request) (*http.Response, map[string]any) {
	test.Helper()
	response, err := http.DefaultClient.Do(request)
	require.NoError(test, err)
	defer response.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response, decoded
}

func authedRequest(test *testing.T, fixture apiFixture, method string, path string, body []byte) *http.Request {
	test.Helper()
	request, err := http.NewRequest(method, fixture.server.URL+path, bytes.NewReader(body))
	require.NoError(test, err)
	request.Header.Set("Authorization", bearerFor(test, testUser))
	request.Header.Set("Content-Type", "application/json")
	return request
}

func signedWebhook(test *testing.T, fixture apiFixture, payload []byte) *http.Request {
	test.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	request, err := http.NewRequest(http.MethodPost, fixture.server.URL+"/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(test, err)
	request.Header.Set(webhook.SignatureHeader, signed.Header)
	return request
}

func purchasePayload(eventID string, coins int) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1700000000,"livemode":false,"api_version":"2025-03-31.basil","data":{"object":{"id":"cs_%s","object":"checkout.session","mode":"payment","payment_status":"paid","client_reference_id":%q,"customer":"cus_http","metadata":{"coins":"%d"}}}}`, eventID, eventID, testUser, coins))
}

func okUpstream(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "application/json")
	_, _ = writer.Write([]byte(`{"summary":"short"}`))
}

func TestAccountOpensOnFirstTouch(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)

	response, body := doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account", nil))
	require.Equal(test, http.StatusOK, response.StatusCode)
	account := body["account"].(map[string]any)
	assert.Equal(test, testUser, account["user_id"])
	assert.Equal(test, float64(10), account["coin_balance"])
	assert.Equal(test, "inactive", account["subscription_state"])

	response, _ = doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account", nil))
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Equal(test, ledger.Coins(10), fixture.balance(test))
}

func TestSessionCookieAuthenticatesAPIGroup(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)

	request, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/api/account", nil)
	require.NoError(test, err)
	request.AddCookie(sessionCookie(test, testUser))
	response, body := doRequest(test, request)
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Equal(test, testUser, body["account"].(map[string]any)["user_id"])

	anonymous, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/api/account", nil)
	require.NoError(test, err)
	response, _ = doRequest(test, anonymous)
	assert.Equal(test, http.StatusUnauthorized, response.StatusCode)
}

func TestBearerAuthRejectsBadTokens(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)

	testCases := []struct {
		name   string
		header string
	}{
		{name: "missing", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage", header: bearerPrefix + "not-a-token"},
		{name: "empty subject", header: bearerFor(test, "")},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			request, err := http.NewRequest(http.MethodGet, fixture.server.URL+"/v1/account", nil)
			require.NoError(test, err)
			if testCase.header != "" {
				request.Header.Set("Authorization", testCase.header)
			}
			response, body := doRequest(test, request)
			assert.Equal(test, http.StatusUnauthorized, response.StatusCode)
			assert.Equal(test, "unauthorized", body["error"].(map[string]any)["code"])
		})
	}
}

func TestMeteredCallChargesOnSuccess(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)

	response, body := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", []byte(`{"text":"long"}`)))
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Equal(test, "short", body["summary"])
	assert.Equal(test, "3", response.Header.Get(headerCoinsCharged))
	reservationID := response.Header.Get(headerReservationID)
	require.NotEmpty(test, reservationID)
	assert.Equal(test, ledger.Coins(7), fixture.balance(test))

	reservation, err := fixture.store.GetReservation(context.Background(), reservationID)
	require.NoError(test, err)
	assert.Equal(test, ledger.ReservationCommitted, reservation.State)
}

func TestMeteredCallRefundsUpstreamFailure(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	})

	response, body := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", nil))
	require.Equal(test, http.StatusBadGateway, response.StatusCode)
	assert.Equal(test, "upstream_error", body["error"].(map[string]any)["code"])
	assert.Equal(test, ledger.Coins(10), fixture.balance(test))

	reservation, err := fixture.store.GetReservation(context.Background(), response.Header.Get(headerReservationID))
	require.NoError(test, err)
	assert.Equal(test, ledger.ReservationReleased, reservation.State)
}

func TestMeteredCallKeepsChargeOnUserError(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte(`{"error":"text too long"}`))
	})

	response, body := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", nil))
	require.Equal(test, http.StatusUnprocessableEntity, response.StatusCode)
	assert.Equal(test, "text too long", body["error"])
	assert.Equal(test, ledger.Coins(7), fixture.balance(test))
}

func TestMeteredCallInsufficientBalance(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	fixture := newAPIFixture(test, func(writer http.ResponseWriter, request *http.Request) {
		calls.Add(1)
		okUpstream(writer, request)
	})

	for index := 0; index < 3; index++ {
		response, _ := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", nil))
		require.Equal(test, http.StatusOK, response.StatusCode)
	}
	response, body := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", nil))
	require.Equal(test, http.StatusPaymentRequired, response.StatusCode)
	assert.Equal(test, float64(testEndpointCost), body["required"])
	assert.Equal(test, float64(1), body["available"])
	assert.Equal(test, int32(3), calls.Load())
	assert.Equal(test, ledger.Coins(1), fixture.balance(test))

	response, _ = doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/unknown", nil))
	assert.Equal(test, http.StatusNotFound, response.StatusCode)
}

func TestStripeWebhookCreditsOnce(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)
	response, _ := doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account", nil))
	require.Equal(test, http.StatusOK, response.StatusCode)

	payload := purchasePayload("evt_http_1", 100)
	response, body := doRequest(test, signedWebhook(test, fixture, payload))
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Equal(test, string(fulfillment.StatusApplied), body["status"])

	response, body = doRequest(test, signedWebhook(test, fixture, payload))
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Equal(test, string(fulfillment.StatusDuplicate), body["status"])
	assert.Equal(test, ledger.Coins(110), fixture.balance(test))
}

func TestStripeWebhookRejectsTamperedPayload(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)
	payload := purchasePayload("evt_http_2", 100)
	request := signedWebhook(test, fixture, payload)
	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-5] ^= 0x01
	forged, err := http.NewRequest(http.MethodPost, request.URL.String(), bytes.NewReader(tampered))
	require.NoError(test, err)
	forged.Header = request.Header.Clone()

	response, body := doRequest(test, forged)
	assert.Equal(test, http.StatusBadRequest, response.StatusCode)
	assert.Equal(test, "invalid_signature", body["error"].(map[string]any)["code"])
}

type unreachableEvents struct{}

func (unreachableEvents) Handle(ctx context.Context, event webhook.VerifiedEvent) (fulfillment.Result, error) {
	return fulfillment.Result{EventID: event.ID}, fmt.Errorf("reserve event %s: %w", event.ID, ledger.ErrStoreUnavailable)
}

func TestStripeWebhookStoreDownReturns503(test *testing.T) {
	test.Parallel()
	store := memstore.New()
	service, err := ledger.NewService(store, time.Now)
	require.NoError(test, err)
	gate, err := metering.NewGate(service, time.Now)
	require.NoError(test, err)
	verifier, err := webhook.NewVerifier(testWebhookSecret)
	require.NoError(test, err)
	router, err := NewRouter(Config{JWTSigningKey: testJWTKey}, Dependencies{
		Accounts:  service,
		Meter:     gate,
		Verifier:  verifier,
		Processor: unreachableEvents{},
	})
	require.NoError(test, err)

	payload := purchasePayload("evt_http_3", 5)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: payload, Secret: testWebhookSecret, Timestamp: time.Now()})
	request := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	request.Header.Set(webhook.SignatureHeader, signed.Header)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(test, http.StatusServiceUnavailable, recorder.Code)
}

func TestLedgerErrorStatus(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		err    error
		status int
	}{
		{err: &ledger.InsufficientBalanceError{Required: 2, Available: 1}, status: http.StatusPaymentRequired},
		{err: ledger.WrapError("store", "account", "get", ledger.ErrAccountNotFound), status: http.StatusNotFound},
		{err: fmt.Errorf("debit: %w", ledger.ErrOutcomeUnknown), status: http.StatusConflict},
		{err: ledger.ErrStoreUnavailable, status: http.StatusServiceUnavailable},
		{err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		status, _ := ledgerErrorStatus(testCase.err)
		assert.Equal(test, testCase.status, status, testCase.err.Error())
	}
}

func TestTransactionsListCoinHistory(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)

	response, _ := doRequest(test, authedRequest(test, fixture, http.MethodPost, "/v1/metered/summarize", []byte(`{"text":"long"}`)))
	require.Equal(test, http.StatusOK, response.StatusCode)
	response, _ = doRequest(test, signedWebhook(test, fixture, purchasePayload("evt_history", 100)))
	require.Equal(test, http.StatusOK, response.StatusCode)

	response, body := doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account/transactions", nil))
	require.Equal(test, http.StatusOK, response.StatusCode)
	transactions := body["transactions"].([]any)
	require.Len(test, transactions, 3)
	expected := []struct {
		entryType    string
		amount       float64
		balanceAfter float64
	}{
		{entryType: "purchase", amount: 100, balanceAfter: 107},
		{entryType: "debit", amount: -testEndpointCost, balanceAfter: 7},
		{entryType: "signup_bonus", amount: 10, balanceAfter: 10},
	}
	for index, want := range expected {
		transaction := transactions[index].(map[string]any)
		assert.Equal(test, want.entryType, transaction["type"])
		assert.Equal(test, want.amount, transaction["amount"])
		assert.Equal(test, want.balanceAfter, transaction["balance_after"])
	}

	response, body = doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account/transactions?limit=1", nil))
	require.Equal(test, http.StatusOK, response.StatusCode)
	assert.Len(test, body["transactions"].([]any), 1)

	response, _ = doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account/transactions?limit=zero", nil))
	assert.Equal(test, http.StatusBadRequest, response.StatusCode)
	response, _ = doRequest(test, authedRequest(test, fixture, http.MethodGet, "/v1/account/transactions?before=yesterday", nil))
	assert.Equal(test, http.StatusBadRequest, response.StatusCode)
}

func TestOversizedWebhookIsRejectedNotTruncated(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, okUpstream)
	payload := bytes.Repeat([]byte("x"), maxWebhookBodyBytes+1)

	response, body := doRequest(test, signedWebhook(test, fixture, payload))
	assert.Equal(test, http.StatusRequestEntityTooLarge, response.StatusCode)
	assert.Equal(test, "payload_too_large", body["error"].(map[string]any)["code"])
}
