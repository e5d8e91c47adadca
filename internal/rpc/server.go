// Package rpc provides a JSON-RPC 2.0 control server for the swap daemon.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/klingon-htlc/internal/chain"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/swap"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

// Config holds Server dependencies. Executor, Watcher and Storage are
// optional; methods that need a missing one fail.
type Config struct {
	Coordinator *swap.Coordinator
	Executor    *swap.Executor
	Watcher     *swap.Watcher
	Storage     *storage.Storage
	Network     chain.Network

	// DefaultExpiration applies to swap_create calls without one.
	DefaultExpiration time.Duration

	// AuthToken is the bearer token clients send in the Authorization
	// header. When set every request needs it; when empty the chain action
	// methods are refused.
	AuthToken string

	// AllowedOrigins are the browser origins that may call the server.
	// Requests with any other Origin header are refused.
	AllowedOrigins []string

	Logger *logging.Logger
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	coordinator       *swap.Coordinator
	executor          *swap.Executor
	watcher           *swap.Watcher
	store             *storage.Storage
	network           chain.Network
	defaultExpiration time.Duration
	log               *logging.Logger
	wsHub             *WSHub
	startedAt         time.Time
	authToken         string
	origins           map[string]bool
	upgrader          websocket.Upgrader

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Unauthorized is returned for a missing or wrong auth token.
	Unauthorized = -32001
)

// chainActions move funds and always need the auth token.
var chainActions = map[string]bool{
	"swap_fundBitcoin":    true,
	"swap_claimBitcoin":   true,
	"swap_refundBitcoin":  true,
	"swap_fundEthereum":   true,
	"swap_claimEthereum":  true,
	"swap_refundEthereum": true,
}

// paramsError marks a handler error caused by the request parameters.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{err: fmt.Errorf(format, args...)}
}

// NewServer creates a new JSON-RPC server. Swap events from the
// coordinator are forwarded to WebSocket clients.
func NewServer(cfg *Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("rpc")
	}
	expiration := cfg.DefaultExpiration
	if expiration <= 0 {
		expiration = 48 * time.Hour
	}

	s := &Server{
		coordinator:       cfg.Coordinator,
		executor:          cfg.Executor,
		watcher:           cfg.Watcher,
		store:             cfg.Storage,
		network:           cfg.Network,
		defaultExpiration: expiration,
		log:               log,
		wsHub:             NewWSHub(),
		startedAt:         time.Now(),
		authToken:         cfg.AuthToken,
		origins:           make(map[string]bool, len(cfg.AllowedOrigins)),
		handlers:          make(map[string]Handler),
	}
	for _, origin := range cfg.AllowedOrigins {
		s.origins[strings.TrimSuffix(origin, "/")] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins[origin]
		},
	}

	s.registerHandlers()
	s.coordinator.OnEvent(s.forwardEvent)

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["node_status"] = s.nodeStatus

	// Swap state
	s.handlers["swap_create"] = s.swapCreate
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_attachEscrow"] = s.swapAttachEscrow
	s.handlers["swap_reconcile"] = s.swapReconcile
	s.handlers["swap_sweepExpired"] = s.swapSweepExpired

	// Chain actions
	s.handlers["swap_fundBitcoin"] = s.swapFundBitcoin
	s.handlers["swap_claimBitcoin"] = s.swapClaimBitcoin
	s.handlers["swap_refundBitcoin"] = s.swapRefundBitcoin
	s.handlers["swap_fundEthereum"] = s.swapFundEthereum
	s.handlers["swap_claimEthereum"] = s.swapClaimEthereum
	s.handlers["swap_refundEthereum"] = s.swapRefundEthereum
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return s.originGuard(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// forwardEvent relays a coordinator event to WebSocket clients.
func (s *Server) forwardEvent(ev swap.SwapEvent) {
	s.wsHub.Broadcast(EventType(ev.Type), &SwapEventInfo{
		SwapID: ev.SwapID,
		Status: string(ev.Status),
		Chain:  string(ev.Chain),
	})
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}
	if (s.authToken != "" || chainActions[req.Method]) && !s.authorized(r) {
		msg := "Unauthorized"
		if s.authToken == "" {
			msg = "Unauthorized: chain actions need an rpc auth token"
		}
		s.log.Warn("Rejected unauthorized RPC call", "method", req.Method, "remote", r.RemoteAddr)
		s.writeError(w, req.ID, Unauthorized, msg, nil)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := InternalError
		var pe *paramsError
		if errors.As(err, &pe) {
			code = InvalidParams
		}
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// authorized reports whether r carries the configured bearer token.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

// originGuard refuses browser requests from origins not on the allow-list
// and adds CORS headers for the allowed ones. Requests without an Origin
// header pass unchanged.
func (s *Server) originGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !s.origins[origin] {
				s.log.Warn("Rejected request from origin", "origin", origin, "path", r.URL.Path)
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
