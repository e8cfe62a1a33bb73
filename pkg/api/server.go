package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/lend/pkg/node"
)

// Backend is the node surface the RPC server drives. *node.Node
// satisfies it; the daemon wraps it with the inbound custody leg.
type Backend interface {
	Deposit(id ids.ShortID, amount *uint256.Int) (node.Result, error)
	Borrow(id ids.ShortID, amount *uint256.Int) (node.Result, error)
	Repay(id ids.ShortID, amount *uint256.Int) (node.Result, error)
	Withdraw(id ids.ShortID, amount *uint256.Int) (node.Result, error)
	Claim(id ids.ShortID) (node.Result, error)
	AvailableToBorrow(id ids.ShortID) (*uint256.Int, error)
	Stats(id ids.ShortID) lend.AccountStats
	Events(since uint64, limit int) []lend.Event
	Info() node.Info
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	backend Backend
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(backend Backend, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		backend: backend,
		logger:  logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per ledger sentinel.
const (
	CodeZeroAmount             = 1001
	CodeInsufficientCollateral = 1002
	CodeNoOutstandingDebt      = 1003
	CodeOverRepayment          = 1004
	CodeDebtOutstanding        = 1005
	CodeInsufficientBalance    = 1006
	CodeTransferFailed         = 1007
	CodeNothingToClaim         = 1008
	CodeAmountOverflow         = 1009
)

// ledgerCode maps a ledger error to its application code, zero when
// the error is not a ledger sentinel.
func ledgerCode(err error) int {
	switch {
	case errors.Is(err, lend.ErrZeroAmount):
		return CodeZeroAmount
	case errors.Is(err, lend.ErrInsufficientCollateral):
		return CodeInsufficientCollateral
	case errors.Is(err, lend.ErrNoOutstandingDebt):
		return CodeNoOutstandingDebt
	case errors.Is(err, lend.ErrOverRepayment):
		return CodeOverRepayment
	case errors.Is(err, lend.ErrDebtOutstanding):
		return CodeDebtOutstanding
	case errors.Is(err, lend.ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, lend.ErrTransferFailed):
		return CodeTransferFailed
	case errors.Is(err, lend.ErrNothingToClaim):
		return CodeNothingToClaim
	case errors.Is(err, lend.ErrAmountOverflow):
		return CodeAmountOverflow
	default:
		return 0
	}
}

func ledgerError(err error) *RPCError {
	if code := ledgerCode(err); code != 0 {
		return &RPCError{Code: code, Message: err.Error()}
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// AccountResult is the account snapshot returned by mutating methods
// and lend_getAccount.
type AccountResult struct {
	Account    string `json:"account"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	Pending    string `json:"pending"`
}

func accountResult(snap lend.AccountSnapshot) AccountResult {
	return AccountResult{
		Account:    lend.FormatIdentity(snap.Address),
		Collateral: snap.Collateral.Dec(),
		Debt:       snap.Debt.Dec(),
		Pending:    snap.Pending.Dec(),
	}
}

// TransitionResult is the response to a committed transition.
type TransitionResult struct {
	Account  AccountResult `json:"account"`
	Event    string        `json:"event"`
	Amount   string        `json:"amount"`
	Sequence uint64        `json:"sequence"`
}

func transitionResult(res node.Result) TransitionResult {
	return TransitionResult{
		Account:  accountResult(res.Account),
		Event:    res.Event.Kind.String(),
		Amount:   res.Event.Amount.Dec(),
		Sequence: res.Event.Sequence,
	}
}

// EventResult is one committed event on the wire.
type EventResult struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Account  string `json:"account"`
	Amount   string `json:"amount"`
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr)
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Transition methods
	case "lend_deposit":
		return s.transition(params, s.backend.Deposit)
	case "lend_borrow":
		return s.transition(params, s.backend.Borrow)
	case "lend_repay":
		return s.transition(params, s.backend.Repay)
	case "lend_withdraw":
		return s.transition(params, s.backend.Withdraw)
	case "lend_claim":
		return s.claim(params)

	// Query methods
	case "lend_availableToBorrow":
		return s.availableToBorrow(params)
	case "lend_getAccount":
		return s.getAccount(params)
	case "lend_getEvents":
		return s.getEvents(params)

	// Info methods
	case "lend_getInfo":
		return s.backend.Info(), nil
	case "lend_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// transitionParams is the shared parameter shape of the four
// amount-bearing transitions.
type transitionParams struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (p *transitionParams) decode() (ids.ShortID, *uint256.Int, *RPCError) {
	id, err := lend.ParseIdentity(p.Account)
	if err != nil {
		return ids.ShortID{}, nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	amount, err := uint256.FromDecimal(p.Amount)
	if err != nil {
		return ids.ShortID{}, nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid amount %q", p.Amount)}
	}
	return id, amount, nil
}

func (s *JSONRPCServer) transition(params json.RawMessage, op func(ids.ShortID, *uint256.Int) (node.Result, error)) (interface{}, error) {
	var p transitionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	id, amount, rpcErr := p.decode()
	if rpcErr != nil {
		return nil, rpcErr
	}

	res, err := op(id, amount)
	if err != nil {
		return nil, ledgerError(err)
	}
	return transitionResult(res), nil
}

func (s *JSONRPCServer) claim(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	id, err := lend.ParseIdentity(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	res, err := s.backend.Claim(id)
	if err != nil {
		return nil, ledgerError(err)
	}
	return map[string]interface{}{
		"account":  accountResult(res.Account),
		"claimed":  res.Event.Amount.Dec(),
		"sequence": res.Event.Sequence,
	}, nil
}

func (s *JSONRPCServer) availableToBorrow(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	id, err := lend.ParseIdentity(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	avail, err := s.backend.AvailableToBorrow(id)
	if err != nil {
		return nil, ledgerError(err)
	}
	return avail.Dec(), nil
}

func (s *JSONRPCServer) getAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	id, err := lend.ParseIdentity(p.Account)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	stats := s.backend.Stats(id)
	result := map[string]interface{}{
		"account":    lend.FormatIdentity(stats.Address),
		"collateral": stats.Collateral.Dec(),
		"debt":       stats.Debt.Dec(),
		"pending":    stats.Pending.Dec(),
		"maxBorrow":  stats.MaxBorrow.Dec(),
		"available":  stats.Available.Dec(),
	}
	if !stats.Debt.IsZero() {
		result["healthFactor"] = stats.HealthFactor.String()
	}
	result["utilization"] = stats.Utilization.String()
	return result, nil
}

func (s *JSONRPCServer) getEvents(params json.RawMessage) (interface{}, error) {
	var p struct {
		Since uint64 `json:"since"`
		Limit int    `json:"limit"`
	}
	p.Limit = 100
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}

	events := s.backend.Events(p.Since, p.Limit)
	out := make([]EventResult, len(events))
	for i, ev := range events {
		out[i] = EventResult{
			Sequence: ev.Sequence,
			Kind:     ev.Kind.String(),
			Account:  lend.FormatIdentity(ev.Account),
			Amount:   ev.Amount.Dec(),
		}
	}
	return out, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server on /rpc with a
// /health endpoint, shutting down when ctx is cancelled.
func StartJSONRPCServer(ctx context.Context, port int, backend Backend, logger log.Logger) error {
	server := NewJSONRPCServer(backend, logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		info := backend.Info()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"height":    info.Height,
			"sequence":  info.LastSequence,
			"timestamp": time.Now().Unix(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
