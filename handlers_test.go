package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	testAdminEmail    = "admin@vitbank.in"
	testAdminPassword = "admin-pass-123"
)

type testAPI struct {
	srv    *httptest.Server
	engine *Engine
	mr     *miniredis.Miniredis
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zap.NewNop()

	engine, err := NewEngine(NewMemoryStore(), EngineConfig{
		TxTimeout: 2 * time.Second,
		Hasher:    BcryptHasher{Cost: bcrypt.MinCost},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, engine.SeedAdmin(context.Background(), testAdminEmail, testAdminPassword, "Bank Admin"))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	sessions, err := NewSessionManager(rdb, SessionConfig{Secret: testSecret, TTL: time.Hour}, logger)
	require.NoError(t, err)

	notifier := NewNotifier(SMTPConfig{}, logger)
	srv := httptest.NewServer(NewApp(engine, sessions, notifier, logger).Routes())
	t.Cleanup(func() {
		srv.Close()
		notifier.Wait()
	})
	return &testAPI{srv: srv, engine: engine, mr: mr}
}

func (api *testAPI) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func (api *testAPI) call(t *testing.T, c *http.Client, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, api.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (api *testAPI) registerAndLogin(t *testing.T, n int) (*http.Client, int64) {
	t.Helper()
	p := testProfile(n)
	email := fmt.Sprintf("customer%d@vit.ac.in", n)
	c := api.client(t)

	status, body := api.call(t, c, http.MethodPost, "/api/register", map[string]any{
		"email": email, "password": "s3cret-pass",
		"full_name": p.FullName, "phone": p.Phone, "address": p.Address,
		"dob": p.DOB, "aadhar": p.Aadhar, "pan": p.PAN,
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, true, body["success"])

	status, body = api.call(t, c, http.MethodPost, "/api/login", map[string]any{
		"email": email, "password": "s3cret-pass",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Login successful", body["message"])
	return c, int64(body["user_id"].(float64))
}

func (api *testAPI) adminClient(t *testing.T) *http.Client {
	t.Helper()
	c := api.client(t)
	status, body := api.call(t, c, http.MethodPost, "/api/admin-login", map[string]any{
		"email": testAdminEmail, "password": testAdminPassword,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Admin login successful", body["message"])
	return c
}

// openAccount creates an account as the customer and has the admin approve it.
func (api *testAPI) openAccount(t *testing.T, customer, admin *http.Client) (int64, string) {
	t.Helper()
	status, body := api.call(t, customer, http.MethodPost, "/api/user/create-account", map[string]any{
		"account_type": "savings",
	})
	require.Equal(t, http.StatusCreated, status, body)
	id := int64(body["account_id"].(float64))
	number := body["account_number"].(string)

	status, body = api.call(t, admin, http.MethodPost, "/api/admin/approve-account", map[string]any{
		"account_id": fmt.Sprint(id),
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Account approved successfully", body["message"])
	return id, number
}

func TestAPI_GatedRoutesRequireSession(t *testing.T) {
	api := newTestAPI(t)
	anon := api.client(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/user/accounts"},
		{http.MethodPost, "/api/user/create-account"},
		{http.MethodGet, "/api/user/transactions/1"},
		{http.MethodPost, "/api/user/transfer"},
		{http.MethodPost, "/api/user/deposit"},
		{http.MethodPost, "/api/user/apply-loan"},
		{http.MethodGet, "/api/user/loans"},
		{http.MethodGet, "/api/user/loans/1/schedule"},
		{http.MethodGet, "/api/admin/pending-accounts"},
		{http.MethodGet, "/api/admin/pending-loans"},
		{http.MethodGet, "/api/admin/all-accounts"},
		{http.MethodGet, "/api/admin/all-loans"},
		{http.MethodGet, "/api/admin/stats"},
		{http.MethodPost, "/api/admin/approve-account"},
		{http.MethodPost, "/api/admin/close-account"},
		{http.MethodPost, "/api/admin/approve-loan"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			status, body := api.call(t, anon, rt.method, rt.path, "{}")
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "Not authenticated", body["message"])
		})
	}
}

func TestAPI_RolesAreSeparate(t *testing.T) {
	api := newTestAPI(t)
	customer, _ := api.registerAndLogin(t, 1)
	admin := api.adminClient(t)

	status, _ := api.call(t, customer, http.MethodGet, "/api/admin/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = api.call(t, admin, http.MethodGet, "/api/user/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_BankingFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminClient(t)
	alice, _ := api.registerAndLogin(t, 1)
	bob, _ := api.registerAndLogin(t, 2)

	aliceAcc, _ := api.openAccount(t, alice, admin)
	bobAcc, bobNumber := api.openAccount(t, bob, admin)

	status, body := api.call(t, alice, http.MethodPost, "/api/user/deposit", map[string]any{
		"account_id": aliceAcc, "amount": "1000",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Deposit successful", body["message"])
	assert.Equal(t, "1000.00", body["balance"])

	status, body = api.call(t, alice, http.MethodPost, "/api/user/transfer", map[string]any{
		"from_account": fmt.Sprint(aliceAcc), "to_account_number": bobNumber,
		"amount": "250.50", "description": "rent",
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Transfer successful", body["message"])
	assert.NotNil(t, body["transaction_id"])

	status, body = api.call(t, alice, http.MethodPost, "/api/user/transfer", map[string]any{
		"from_account": aliceAcc, "to_account_number": bobNumber, "amount": "5000",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "insufficient_funds", body["code"])

	status, body = api.call(t, bob, http.MethodGet, fmt.Sprintf("/api/user/transactions/%d", bobAcc), nil)
	require.Equal(t, http.StatusOK, status, body)
	entries := body["transactions"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, string(TxFailed), entries[0].(map[string]any)["status"])
	entry := entries[1].(map[string]any)
	assert.Equal(t, entryCredit, entry["type"])
	assert.Equal(t, string(TxCompleted), entry["status"])
	assert.Equal(t, "250.5", entry["amount"])

	status, body = api.call(t, bob, http.MethodGet, fmt.Sprintf("/api/user/transactions/%d", aliceAcc), nil)
	assert.Equal(t, http.StatusNotFound, status, body)

	status, body = api.call(t, alice, http.MethodGet, "/api/user/accounts", nil)
	require.Equal(t, http.StatusOK, status, body)
	accounts := body["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.Equal(t, "749.5", accounts[0].(map[string]any)["balance"])

	status, body = api.call(t, admin, http.MethodGet, "/api/admin/stats", nil)
	require.Equal(t, http.StatusOK, status, body)
	stats := body["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["users"].(map[string]any)["total_users"])
	assert.Equal(t, "1000", stats["accounts"].(map[string]any)["total_balance"])
}

func TestAPI_RejectAndCloseAccount(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminClient(t)
	customer, _ := api.registerAndLogin(t, 1)

	status, body := api.call(t, customer, http.MethodPost, "/api/user/create-account", map[string]any{
		"account_type": "current",
	})
	require.Equal(t, http.StatusCreated, status, body)
	pendingID := body["account_id"]

	status, body = api.call(t, admin, http.MethodGet, "/api/admin/pending-accounts", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["accounts"], 1)

	status, body = api.call(t, admin, http.MethodPost, "/api/admin/approve-account", map[string]any{
		"account_id": pendingID, "approve": false,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Account rejected", body["message"])
	assert.Equal(t, string(AccountRejected), body["status"])

	activeID, _ := api.openAccount(t, customer, admin)
	status, body = api.call(t, admin, http.MethodPost, "/api/admin/close-account", map[string]any{
		"account_id": activeID,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Account closed successfully", body["message"])

	status, body = api.call(t, customer, http.MethodPost, "/api/user/deposit", map[string]any{
		"account_id": activeID, "amount": "10",
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "account_not_active", body["code"])
}

func TestAPI_LoanFlow(t *testing.T) {
	api := newTestAPI(t)
	admin := api.adminClient(t)
	customer, _ := api.registerAndLogin(t, 1)
	accountID, _ := api.openAccount(t, customer, admin)

	status, body := api.call(t, customer, http.MethodPost, "/api/user/apply-loan", map[string]any{
		"account_id": accountID, "loan_type": "personal", "loan_amount": "100000",
		"tenure_months": "24", "purpose": "laptop",
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "4707.35", body["monthly_emi"])
	assert.Equal(t, "12.00", body["interest_rate"])
	loanID := int64(body["loan_id"].(float64))

	status, body = api.call(t, admin, http.MethodGet, "/api/admin/pending-loans", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["loans"], 1)

	status, body = api.call(t, admin, http.MethodPost, "/api/admin/approve-loan", map[string]any{
		"loan_id": loanID,
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["code"])

	status, body = api.call(t, admin, http.MethodGet, "/api/admin/pending-loans", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["loans"], 1)

	status, body = api.call(t, admin, http.MethodPost, "/api/admin/approve-loan", map[string]any{
		"loan_id": loanID, "approve": true,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "Loan approved and disbursed successfully", body["message"])

	status, body = api.call(t, admin, http.MethodPost, "/api/admin/approve-loan", map[string]any{
		"loan_id": loanID, "approve": true,
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_processed", body["code"])

	status, body = api.call(t, customer, http.MethodGet, "/api/user/accounts", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "100000", body["accounts"].([]any)[0].(map[string]any)["balance"])

	status, body = api.call(t, customer, http.MethodGet, fmt.Sprintf("/api/user/loans/%d/schedule", loanID), nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["schedule"], 24)

	status, body = api.call(t, customer, http.MethodGet, "/api/user/loans", nil)
	require.Equal(t, http.StatusOK, status, body)
	loans := body["loans"].([]any)
	require.Len(t, loans, 1)
	assert.Equal(t, string(LoanDisbursed), loans[0].(map[string]any)["status"])
}

func TestAPI_BadRequests(t *testing.T) {
	api := newTestAPI(t)
	customer, _ := api.registerAndLogin(t, 1)

	status, body := api.call(t, customer, http.MethodPost, "/api/user/deposit", `{"account_id": 1, "amount":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Invalid request payload", body["message"])

	status, body = api.call(t, customer, http.MethodPost, "/api/user/create-account", map[string]any{
		"account_type": "fixed",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", body["code"])

	status, body = api.call(t, customer, http.MethodGet, "/api/user/transactions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])

	for _, number := range []string{"+12345678901", "1234567890.1", "-12345678901"} {
		status, body = api.call(t, customer, http.MethodPost, "/api/user/transfer", map[string]any{
			"from_account": 1, "to_account_number": number, "amount": "1.00",
		})
		assert.Equal(t, http.StatusBadRequest, status, number)
		assert.Equal(t, "invalid_input", body["code"], number)
	}

	status, body = api.call(t, api.client(t), http.MethodPost, "/api/register", map[string]any{
		"email": "not-an-email", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
}

func TestAPI_LoginFailures(t *testing.T) {
	api := newTestAPI(t)
	api.registerAndLogin(t, 1)
	c := api.client(t)

	status, body := api.call(t, c, http.MethodPost, "/api/login", map[string]any{
		"email": "customer1@vit.ac.in", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", body["code"])

	status, _ = api.call(t, c, http.MethodPost, "/api/admin-login", map[string]any{
		"email": "customer1@vit.ac.in", "password": "s3cret-pass",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_Logout(t *testing.T) {
	api := newTestAPI(t)
	customer, _ := api.registerAndLogin(t, 1)

	status, body := api.call(t, customer, http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Logged out successfully", body["message"])

	status, _ = api.call(t, customer, http.MethodGet, "/api/user/accounts", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_HealthAndRouting(t *testing.T) {
	api := newTestAPI(t)
	c := api.client(t)

	req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(requestIDHeader))

	status, body := api.call(t, c, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])

	status, _ = api.call(t, c, http.MethodGet, "/api/login", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, status)

	api.mr.Close()
	resp, err = c.Get(api.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"success":false`))
}
