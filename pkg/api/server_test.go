package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/node"
)

const testAccount = "0x00000000000000000000000000000000000000aa"

func newTestServer(t *testing.T, mode lend.TransferMode) (*JSONRPCServer, *lend.VaultCustody) {
	t.Helper()

	custody := lend.NewVaultCustody()
	cfg := lend.DefaultEngineConfig()
	cfg.Mode = mode
	cfg.Custody = custody
	engine := lend.NewLendingEngine(cfg)

	n, err := node.New(node.Config{Engine: engine})
	require.NoError(t, err)

	return NewJSONRPCServer(n, nil), custody
}

func call(t *testing.T, s *JSONRPCServer, method string, params interface{}) JSONRPCResponse {
	t.Helper()

	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      1,
	}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var resp JSONRPCResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func transitionParamsFor(amount uint64) map[string]string {
	return map[string]string{
		"account": testAccount,
		"amount":  fmt.Sprintf("%d", amount),
	}
}

func TestDepositAndQuery(t *testing.T) {
	s, _ := newTestServer(t, lend.TransferPush)

	resp := call(t, s, "lend_deposit", transitionParamsFor(150))
	require.Nil(t, resp.Error)

	var res TransitionResult
	raw, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Equal(t, "Deposited", res.Event)
	assert.Equal(t, "150", res.Account.Collateral)
	assert.Equal(t, uint64(1), res.Sequence)

	resp = call(t, s, "lend_availableToBorrow", map[string]string{"account": testAccount})
	require.Nil(t, resp.Error)
	assert.Equal(t, "100", resp.Result)

	resp = call(t, s, "lend_getAccount", map[string]string{"account": testAccount})
	require.Nil(t, resp.Error)
	acct := resp.Result.(map[string]interface{})
	assert.Equal(t, "150", acct["collateral"])
	assert.Equal(t, "100", acct["maxBorrow"])
	assert.Equal(t, "0", acct["debt"])
}

func TestBorrowLifecycle(t *testing.T) {
	s, custody := newTestServer(t, lend.TransferPush)
	id, err := lend.ParseIdentity(testAccount)
	require.NoError(t, err)

	require.Nil(t, call(t, s, "lend_deposit", transitionParamsFor(150)).Error)
	// The vault needs liquidity for the outbound leg.
	custody.Fund(id, uint256.NewInt(1000))
	require.NoError(t, custody.Lock(id, uint256.NewInt(200)))

	resp := call(t, s, "lend_borrow", transitionParamsFor(100))
	require.Nil(t, resp.Error)

	// One unit past the cap.
	resp = call(t, s, "lend_borrow", transitionParamsFor(1))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInsufficientCollateral, resp.Error.Code)

	resp = call(t, s, "lend_withdraw", transitionParamsFor(10))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeDebtOutstanding, resp.Error.Code)

	require.Nil(t, call(t, s, "lend_repay", transitionParamsFor(60)).Error)
	resp = call(t, s, "lend_repay", transitionParamsFor(41))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeOverRepayment, resp.Error.Code)
}

func TestClaimPullMode(t *testing.T) {
	s, custody := newTestServer(t, lend.TransferPull)
	id, err := lend.ParseIdentity(testAccount)
	require.NoError(t, err)

	require.Nil(t, call(t, s, "lend_deposit", transitionParamsFor(150)).Error)
	require.Nil(t, call(t, s, "lend_borrow", transitionParamsFor(100)).Error)

	custody.Fund(id, uint256.NewInt(100))
	require.NoError(t, custody.Lock(id, uint256.NewInt(100)))

	resp := call(t, s, "lend_claim", map[string]string{"account": testAccount})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "100", result["claimed"])

	resp = call(t, s, "lend_claim", map[string]string{"account": testAccount})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNothingToClaim, resp.Error.Code)
}

func TestErrorCodes(t *testing.T) {
	s, _ := newTestServer(t, lend.TransferPush)

	tests := []struct {
		name   string
		method string
		params interface{}
		code   int
	}{
		{"zero amount", "lend_deposit", transitionParamsFor(0), CodeZeroAmount},
		{"no debt", "lend_repay", transitionParamsFor(5), CodeNoOutstandingDebt},
		{"insufficient balance", "lend_withdraw", transitionParamsFor(5), CodeInsufficientBalance},
		{"bad identity", "lend_deposit", map[string]string{"account": "xyz", "amount": "1"}, InvalidParams},
		{"bad amount", "lend_deposit", map[string]string{"account": testAccount, "amount": "-3"}, InvalidParams},
		{"unknown method", "lend_frobnicate", nil, MethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, s, tt.method, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestGetEvents(t *testing.T) {
	s, _ := newTestServer(t, lend.TransferPull)

	require.Nil(t, call(t, s, "lend_deposit", transitionParamsFor(150)).Error)
	require.Nil(t, call(t, s, "lend_borrow", transitionParamsFor(50)).Error)
	require.Nil(t, call(t, s, "lend_repay", transitionParamsFor(20)).Error)

	resp := call(t, s, "lend_getEvents", map[string]uint64{"since": 1})
	require.Nil(t, resp.Error)

	var events []EventResult
	raw, _ := json.Marshal(resp.Result)
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 2)
	assert.Equal(t, "Borrowed", events[0].Kind)
	assert.Equal(t, "Repaid", events[1].Kind)
	assert.Equal(t, uint64(3), events[1].Sequence)
}

func TestInfoAndPing(t *testing.T) {
	s, _ := newTestServer(t, lend.TransferPush)

	resp := call(t, s, "lend_ping", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)

	resp = call(t, s, "lend_getInfo", nil)
	require.Nil(t, resp.Error)
	raw, _ := json.Marshal(resp.Result)
	var info node.Info
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, uint64(150), info.CollateralRatio)
	assert.Equal(t, "push", info.TransferMode)
}

func TestMalformedRequests(t *testing.T) {
	s, _ := newTestServer(t, lend.TransferPush)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var resp JSONRPCResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ParseError, resp.Error.Code)

	req = httptest.NewRequest(http.MethodGet, "/rpc", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	raw, _ := json.Marshal(map[string]interface{}{"jsonrpc": "1.0", "method": "lend_ping", "id": 1})
	req = httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(raw))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidRequest, resp.Error.Code)
}
