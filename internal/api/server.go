// Package api is the inbound HTTP surface: the homeserver transaction
// endpoint, the bridge transaction websocket and the operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beeper/asmux/internal/config"
	"github.com/beeper/asmux/internal/delivery"
	"github.com/beeper/asmux/internal/directory"
	"github.com/beeper/asmux/internal/router"
)

// Server wires the HTTP routes to the router and the websocket deliverer.
type Server struct {
	cfg       *config.Config
	directory *directory.Directory
	router    *router.Router
	ws        *delivery.Websocket

	srv *http.Server

	txnMu    sync.Mutex
	seenTxns map[string]struct{}
	txnOrder []string
}

// How many handled transaction ids are remembered for deduplication.
const seenTxnLimit = 1024

func NewServer(cfg *config.Config, dir *directory.Directory, rtr *router.Router, ws *delivery.Websocket) *Server {
	s := &Server{
		cfg:       cfg,
		directory: dir,
		router:    rtr,
		ws:        ws,
		seenTxns:  make(map[string]struct{}, seenTxnLimit),
	}
	r := mux.NewRouter()
	r.HandleFunc("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	// Legacy path without the /_matrix/app/v1 prefix.
	r.HandleFunc("/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/client/unstable/fi.mau.as_sync", s.handleWebsocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: r,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	slog.Info("Listening for transactions", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondMatrixError(w http.ResponseWriter, status int, errcode, message string) {
	respondJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}

// tokenFromRequest extracts the access token from either the Authorization
// header or the legacy access_token query parameter.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" {
		respondMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing authorization header")
		return
	}
	az, err := s.directory.AppServiceByRealToken(r.Context(), token)
	if err != nil {
		slog.Error("Failed to look up appservice by token", "error", err)
		respondMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Internal server error")
		return
	}
	if az == nil {
		respondMatrixError(w, http.StatusForbidden, "M_UNKNOWN_TOKEN", "Unknown authorization token")
		return
	}
	s.ws.HandleWebsocket(w, r, az)
}
