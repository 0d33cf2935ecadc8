package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"LendLedger/internal/ingestion"
	"LendLedger/internal/query"
	"LendLedger/internal/server"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = testutil.BaseTime

func newTestAPI(t *testing.T) (*testutil.CoreFixture, http.Handler) {
	t.Helper()
	f := testutil.NewCoreFixture(t)
	f.AddPool(t, "SOL", 0, testutil.Params(), testutil.Dollars(100))
	f.AddPool(t, "USDC", 0, testutil.Params(), testutil.Dollars(1))

	qs := query.NewQueryService(nil, f.Core, query.WithClock(func() int64 { return t0 }))
	in := ingestion.NewIngester(f.Core, nil, 1, nil, zerolog.Nop())
	api := server.NewAPI(&server.Deps{Query: qs, Ingest: in, Logger: zerolog.Nop()})
	return f, api.Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func positionOp(owner uuid.UUID, asset string, amount uint64) map[string]interface{} {
	return map[string]interface{}{
		"operation_id": uuid.NewString(),
		"owner":        owner.String(),
		"asset":        asset,
		"amount":       amount,
		"timestamp":    t0,
	}
}

func TestAPI_SubmitAndQuery(t *testing.T) {
	f, h := newTestAPI(t)
	alice := uuid.New()
	f.Fund(t, alice, "SOL", 10)

	deposit := positionOp(alice, "sol", 10)
	rec, body := do(t, h, http.MethodPost, "/v1/operations/deposit", deposit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["accepted"])
	assert.EqualValues(t, f.Core.GetSequence(), body["sequence"])
	assert.Len(t, body["state_hash"], 64)

	rec, body = do(t, h, http.MethodPost, "/v1/operations/deposit", deposit)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["duplicate"])

	rec, body = do(t, h, http.MethodGet, "/v1/pools/SOL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, body["total_deposited"])

	rec, body = do(t, h, http.MethodGet, fmt.Sprintf("/v1/positions/%s", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SOL", body["deposit_asset"])

	rec, _ = do(t, h, http.MethodGet, fmt.Sprintf("/v1/positions/%s/health", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/v1/pools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["pools"], 2)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f, h := newTestAPI(t)
	alice := uuid.New()
	f.Fund(t, alice, "SOL", 10)
	f.Apply(t, testutil.Deposit(alice, "SOL", 10, t0))
	bob := uuid.New()
	f.Fund(t, bob, "USDC", 2_000)
	f.Apply(t, testutil.Deposit(bob, "USDC", 2_000, t0))

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown operation", http.MethodPost, "/v1/operations/flash_loan", positionOp(alice, "SOL", 1), http.StatusNotFound, "unknown_operation"},
		{"malformed payload", http.MethodPost, "/v1/operations/deposit", map[string]string{"owner": "x"}, http.StatusBadRequest, "invalid_message"},
		{"over borrow", http.MethodPost, "/v1/operations/borrow", positionOp(alice, "USDC", 900), http.StatusUnprocessableEntity, "over_borrowable_amount"},
		{"missing pool", http.MethodGet, "/v1/pools/DOGE", nil, http.StatusNotFound, "pool_not_found"},
		{"missing position", http.MethodGet, "/v1/positions/" + uuid.NewString(), nil, http.StatusNotFound, "position_not_found"},
		{"bad owner", http.MethodGet, "/v1/positions/nope/health", nil, http.StatusBadRequest, "invalid_owner"},
		{"bad page", http.MethodGet, "/v1/positions/" + alice.String() + "/journal?limit=x", nil, http.StatusBadRequest, "invalid_limit"},
		{"admin unset", http.MethodPost, "/v1/admin/snapshot", nil, http.StatusNotImplemented, "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, h, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

func TestAPI_Healthz(t *testing.T) {
	_, h := newTestAPI(t)
	rec, body := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
