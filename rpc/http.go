package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"payfwd/core"
	"payfwd/gateway"
	"payfwd/indexer"
	"payfwd/ledger"
	"payfwd/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32021
	codeValidation     = -32022
	codeTransfer       = -32023
	codeForwarding     = -32024
	codeRateLimited    = -32029
)

// Config carries the transport-level policy for the JSON-RPC server. Engine
// policy (capabilities, fees, pause) lives in the ledger, not here.
type Config struct {
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// Server exposes the gateway node over JSON-RPC 2.0 on POST / plus the
// websocket event stream, health, and metrics endpoints. index may be nil
// when the operator runs without an indexer; the query methods then report
// method not found.
type Server struct {
	node    *core.Node
	index   *indexer.Index
	auth    *Authenticator
	limiter *requestLimiter
	log     *slog.Logger
	httpSrv *http.Server
}

func NewServer(node *core.Node, index *indexer.Index, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:    node,
		index:   index,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: newRequestLimiter(cfg.RateLimit),
		log:     logger,
	}
}

// Handler assembles the full route tree. The otel wrapper traces every
// request; prometheus collectors hang off the default registry.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventsWS)
	r.With(s.limiter.Middleware).Post("/", s.handle)
	return otelhttp.NewHandler(r, "payfwd-rpc")
}

func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("starting JSON-RPC server", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific methods.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r, req)
	if rpcErr != nil {
		writeError(w, statusForCode(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		observability.RPCMetrics().Observe(req.Method, rpcErr.Code, time.Since(started))
		return
	}
	writeResult(w, req.ID, result)
	observability.RPCMetrics().Observe(req.Method, 0, time.Since(started))
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "gateway_initiateTransaction":
		if authErr := s.auth.Authorize(r, ScopeWrite); authErr != nil {
			return nil, authErr
		}
		return s.handleInitiateTransaction(req)
	case "gateway_completeTransfer":
		if authErr := s.auth.Authorize(r, ScopeWrite); authErr != nil {
			return nil, authErr
		}
		return s.handleCompleteTransfer(req)
	case "gateway_approve":
		if authErr := s.auth.Authorize(r, ScopeWrite); authErr != nil {
			return nil, authErr
		}
		return s.handleApprove(req)
	case "gateway_getAllowance":
		return s.handleGetAllowance(req)
	case "gateway_isProcessed":
		return s.handleIsProcessed(req)
	case "gateway_getProtocolFeeInfo":
		return s.handleGetProtocolFeeInfo(req)
	case "gateway_getFeeInfo":
		return s.handleGetFeeInfo(req)
	case "gateway_getBalance":
		return s.handleGetBalance(req)
	case "gateway_pause":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handlePause(req)
	case "gateway_restrictAddress":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleRestrictAddress(req)
	case "gateway_setProtocolFeeInfo":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleSetProtocolFeeInfo(req)
	case "gateway_setFeeInfo":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleSetFeeInfo(req)
	case "gateway_withdraw":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleWithdraw(req)
	case "gateway_withdrawTo":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleWithdraw(req)
	case "gateway_setCapability":
		if authErr := s.auth.Authorize(r, ScopeAdmin); authErr != nil {
			return nil, authErr
		}
		return s.handleSetCapability(req)
	case "gateway_listTransactions":
		if s.index == nil {
			return nil, methodNotFound(req.Method)
		}
		return s.handleListTransactions(r.Context(), req)
	case "gateway_getTransaction":
		if s.index == nil {
			return nil, methodNotFound(req.Method)
		}
		return s.handleGetTransaction(r.Context(), req)
	default:
		return nil, methodNotFound(req.Method)
	}
}

func methodNotFound(method string) *RPCError {
	return &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: codeInvalidParams, Message: "invalid params", Data: err.Error()}
}

// firstParam unwraps the single positional params object every method takes.
func firstParam(req *RPCRequest, out interface{}) *RPCError {
	if len(req.Params) == 0 {
		return &RPCError{Code: codeInvalidParams, Message: "params object required"}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return invalidParams(err)
	}
	return nil
}

// errorForEngine folds engine and ledger sentinels into the stable JSON-RPC
// code space. The original error text travels in the data field.
func errorForEngine(err error) *RPCError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateway.ErrUnauthorized):
		return &RPCError{Code: codeUnauthorized, Message: "caller lacks capability", Data: err.Error()}
	case errors.Is(err, gateway.ErrVerificationFailed),
		errors.Is(err, gateway.ErrRequestExpired),
		errors.Is(err, gateway.ErrAlreadyProcessed),
		errors.Is(err, gateway.ErrInvalidRequest),
		errors.Is(err, gateway.ErrZeroAmount),
		errors.Is(err, gateway.ErrZeroRecipient),
		errors.Is(err, gateway.ErrFeeRateTooHigh),
		errors.Is(err, gateway.ErrMsgValueNotZero),
		errors.Is(err, gateway.ErrMismatchedValue),
		errors.Is(err, gateway.ErrLastAdmin):
		return &RPCError{Code: codeValidation, Message: "request rejected", Data: err.Error()}
	case errors.Is(err, gateway.ErrReentrantCall),
		errors.Is(err, gateway.ErrFailedToForward),
		errors.Is(err, gateway.ErrUnknownForwardTarget):
		return &RPCError{Code: codeForwarding, Message: "forwarding failed", Data: err.Error()}
	case errors.Is(err, gateway.ErrPaused),
		errors.Is(err, gateway.ErrAddressRestricted),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, ledger.ErrAmountInvalid),
		errors.Is(err, ledger.ErrAmountOverflow):
		return &RPCError{Code: codeTransfer, Message: "transfer rejected", Data: err.Error()}
	default:
		return &RPCError{Code: codeServerError, Message: "internal error", Data: err.Error()}
	}
}

func statusForCode(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeMethodNotFound:
		return http.StatusNotFound
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func clientSource(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
