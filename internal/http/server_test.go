package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"llmready/internal/billing"
	"llmready/internal/billing/billingtest"
	"llmready/internal/config"
	"llmready/internal/email"
	"llmready/internal/models"
	"llmready/internal/plans"
	"llmready/internal/reconcile"
	"llmready/internal/refund"
	"llmready/internal/services"
	"llmready/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const testWebhookSecret = "whsec_test_secret"

type testServer struct {
	srv     *Server
	handler http.Handler
	store   *storetest.Memory
	stripe  *billingtest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Config{
		StripeWebhookSecret: testWebhookSecret,
		JWTSecretKey:        "jwt-test-secret",
		JWTExpiryHours:      1,
		FrontendURL:         "http://localhost:3000",
		GracePeriodDays:     3,
		StripePrices: plans.PriceIDs{
			StandardMonthly: "price_standard_m",
			ProMonthly:      "price_pro_m",
		},
	}
	st := storetest.NewMemory()
	fake := billingtest.NewFake()
	srv := NewServer(cfg,
		services.New(st, fake, cfg),
		reconcile.New(st, fake, cfg.Catalog(), email.LogNotifier{}),
		refund.NewService(st, fake, email.LogNotifier{}),
	)
	return &testServer{srv: srv, handler: srv.Routes(), store: st, stripe: fake}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, u models.User) string {
	t.Helper()
	token, err := ts.srv.generateJWT(u.ID, u.Email, u.Role)
	require.NoError(t, err)
	return token
}

func (ts *testServer) paidUser(t *testing.T, tier string, age time.Duration) models.User {
	t.Helper()
	u := ts.store.AddUser(models.User{Email: "paid@example.com", Status: models.UserStatusActive, Role: models.UserRoleUser})
	ref := "sub_1"
	sub := plans.NewFreeSubscription(u.ID)
	plans.Apply(&sub, tier, plans.Monthly)
	sub.StripeSubscriptionID = &ref
	sub.StripeCustomerID = "cus_1"
	sub.CreatedAt = time.Now().UTC().Add(-age)
	sub.UpdatedAt = sub.CreatedAt
	ts.store.PutSubscription(sub)
	return u
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestParseID(t *testing.T) {
	id, err := parseID("123")
	require.NoError(t, err)
	assert.Equal(t, int64(123), id)

	_, err = parseID("")
	assert.Error(t, err)
	_, err = parseID("abc")
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStripeWebhookRejectsUnsignedAndForged(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"id":"evt_1","object":"event","type":"customer.deleted","created":1,"data":{"object":{"id":"cus_1"}}}`

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.store.Events())
}

func TestStripeWebhookAppliesOnceAndAcknowledgesRedelivery(t *testing.T) {
	ts := newTestServer(t)
	u := ts.paidUser(t, plans.Standard, 48*time.Hour)
	payload := `{"id":"evt_del","object":"event","type":"customer.subscription.deleted","created":1700000000,` +
		`"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}}}`

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, string(reconcile.OutcomeProcessed), body["status"])

	sub, ok := ts.store.Subscription(u.ID)
	require.True(t, ok)
	assert.Equal(t, plans.Free, sub.PlanTier)
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(reconcile.OutcomeDuplicate), decodeBody(t, rec)["status"])
	assert.Len(t, ts.store.Events(), 1)
}

func TestStripeWebhookFailureIsAcknowledged(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"id":"evt_orphan","object":"event","type":"invoice.payment_failed","created":1700000000,` +
		`"data":{"object":{"id":"in_1","object":"invoice","customer":"cus_missing","subscription":"sub_missing","amount_due":3900}}}`

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(reconcile.OutcomeFailed), decodeBody(t, rec)["status"])

	logged, ok := ts.store.Event("evt_orphan")
	require.True(t, ok)
	assert.Equal(t, models.EventStatusFailed, logged.Status)
}

func TestStripeWebhookUnrecordedFailureIsRetried(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.reconciler = reconcile.New(storetest.Unavailable{}, ts.stripe, ts.srv.cfg.Catalog(), email.LogNotifier{})
	payload := `{"id":"evt_down","object":"event","type":"customer.subscription.deleted","created":1700000000,` +
		`"data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled"}}}`

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "event not recorded", decodeBody(t, rec)["error"])
}

func TestStripeWebhookMalformedEnvelope(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"object":"event","type":"customer.deleted","created":1,"data":{"object":{"id":"cus_1"}}}`

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.store.Events())
}

func TestStripeWebhookNotConfigured(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.cfg.StripeWebhookSecret = ""
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSignupLoginAndUsage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/signup", "", signupRequest{
		Email: "New@Example.com", Password: "correct-horse", FullName: "New User",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/auth/signup", "", signupRequest{Email: "new@example.com", Password: "correct-horse"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Email: "new@example.com", Password: "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Email: "new@example.com", Password: "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := decodeBody(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	rec = ts.do(t, http.MethodGet, "/api/subscription/usage", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats services.UsageStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, plans.Free, stats.PlanTier)
	assert.Equal(t, 1, stats.GenerationsRemaining)

	rec = ts.do(t, http.MethodPost, "/api/subscription/usage", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started generationStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.NotZero(t, started.GenerationID)
	assert.Equal(t, models.GenerationPending, started.Status)
	assert.Zero(t, started.GenerationsRemaining)

	rec = ts.do(t, http.MethodPost, "/api/subscription/usage", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestGenerationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	u := ts.paidUser(t, plans.Standard, time.Hour)
	token := ts.token(t, u)

	rec := ts.do(t, http.MethodPost, "/api/subscription/usage", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started generationStartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	path := "/api/generations/" + strconv.FormatInt(started.GenerationID, 10) + "/complete"

	rec = ts.do(t, http.MethodPost, path, token, finishGenerationRequest{Success: false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.GenerationFailed, decodeBody(t, rec)["status"])

	sub, ok := ts.store.Subscription(u.ID)
	require.True(t, ok)
	assert.Zero(t, sub.GenerationsUsed)

	rec = ts.do(t, http.MethodPost, path, token, finishGenerationRequest{Success: true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	other := ts.store.AddUser(models.User{Email: "other@example.com", Status: models.UserStatusActive, Role: models.UserRoleUser})
	rec = ts.do(t, http.MethodPost, path, ts.token(t, other), finishGenerationRequest{Success: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/generations/abc/complete", token, finishGenerationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebsiteSlotEndpoints(t *testing.T) {
	ts := newTestServer(t)
	u := ts.paidUser(t, plans.Starter, time.Hour)
	token := ts.token(t, u)

	for i := 1; i <= 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/subscription/websites", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, float64(i), decodeBody(t, rec)["websites_used"])
	}
	rec := ts.do(t, http.MethodPost, "/api/subscription/websites", token, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/subscription/websites", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["websites_used"])

	sub, ok := ts.store.Subscription(u.ID)
	require.True(t, ok)
	assert.Equal(t, 1, sub.WebsitesUsed)
}

func TestListPlans(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []planResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, len(plans.All()))
	assert.Equal(t, plans.Free, out[0].ID)
	assert.Equal(t, plans.Pro, out[len(out)-1].ID)
	assert.Equal(t, plans.MustGet(plans.Starter).WebsiteQuota, out[1].WebsiteQuota)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/subscription", "/api/refunds/calculate", "/api/admin/users/1/subscription"} {
		rec := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := ts.do(t, http.MethodGet, "/api/subscription", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t)
	member := ts.paidUser(t, plans.Pro, time.Hour)
	admin := ts.store.AddUser(models.User{Email: "admin@example.com", Status: models.UserStatusActive, Role: models.UserRoleAdmin})

	rec := ts.do(t, http.MethodGet, "/api/admin/users/1/subscription", ts.token(t, member), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	path := "/api/admin/users/" + strconv.FormatInt(member.ID, 10) + "/subscription"
	rec = ts.do(t, http.MethodGet, path, ts.token(t, admin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, plans.Pro, sub.PlanTier)
	assert.True(t, sub.HasStripe)

	rec = ts.do(t, http.MethodGet, "/api/admin/users/abc/subscription", ts.token(t, admin), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutReturnsSessionURL(t *testing.T) {
	ts := newTestServer(t)
	u := ts.store.AddUser(models.User{Email: "buyer@example.com", Status: models.UserStatusActive})
	ts.store.PutSubscription(plans.NewFreeSubscription(u.ID))

	rec := ts.do(t, http.MethodPost, "/api/subscription/checkout", ts.token(t, u), checkoutRequest{PlanType: plans.Standard})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "cs_fake_1", body["session_id"])
	assert.Equal(t, "https://checkout.stripe.test/cs_fake_1", body["checkout_url"])

	rec = ts.do(t, http.MethodPost, "/api/subscription/checkout", ts.token(t, u), checkoutRequest{PlanType: "platinum"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefundEndpoints(t *testing.T) {
	ts := newTestServer(t)

	free := ts.store.AddUser(models.User{Email: "free@example.com", Status: models.UserStatusActive})
	ts.store.PutSubscription(plans.NewFreeSubscription(free.ID))
	rec := ts.do(t, http.MethodGet, "/api/refunds/calculate", ts.token(t, free), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	u := ts.paidUser(t, plans.Standard, 24*time.Hour)
	ts.stripe.Subscriptions["sub_1"] = billing.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active", Interval: plans.Monthly, LatestInvoiceID: "in_1",
	}
	ts.stripe.Invoices["in_1"] = billing.Invoice{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1", ChargeID: "ch_1", AmountPaid: 3900}
	token := ts.token(t, u)

	rec = ts.do(t, http.MethodGet, "/api/refunds/calculate", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var calc refund.Calculation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &calc))
	assert.True(t, calc.Eligible)
	assert.Equal(t, int64(3900), calc.RefundCents)

	rec = ts.do(t, http.MethodPost, "/api/refunds/cancel-subscription", token, cancelRequest{Reason: "not for me"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.stripe.RefundRequests())

	rec = ts.do(t, http.MethodPost, "/api/refunds/cancel-subscription", token, cancelRequest{Reason: "not for me", AcknowledgeUsageCharge: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res refund.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Refunded)
	assert.Equal(t, int64(3900), res.RefundCents)
	assert.Equal(t, []string{"sub_1"}, ts.stripe.CanceledIDs())

	sub, ok := ts.store.Subscription(u.ID)
	require.True(t, ok)
	assert.Equal(t, plans.Free, sub.PlanTier)
}

func TestRefundProviderFailureIsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	u := ts.paidUser(t, plans.Standard, time.Hour)
	ts.stripe.GetErr = assert.AnError

	rec := ts.do(t, http.MethodGet, "/api/refunds/calculate", ts.token(t, u), nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestBearerToken(t *testing.T) {
	cases := map[string]bool{
		"":           false,
		"Bearer":     false,
		"Bearer ":    false,
		"Basic abc":  false,
		"Bearer abc": true,
		"bearer abc": true,
	}
	for header, ok := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		token, err := bearerToken(req)
		if ok {
			require.NoError(t, err, header)
			assert.Equal(t, "abc", token)
		} else {
			assert.Error(t, err, header)
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	ts := newTestServer(t)
	u := ts.store.AddUser(models.User{Email: "old@example.com", Status: models.UserStatusActive})
	ts.srv.cfg.JWTExpiryHours = -1
	token := ts.token(t, u)
	ts.srv.cfg.JWTExpiryHours = 1

	rec := ts.do(t, http.MethodGet, "/api/users/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
