// Package api exposes the settlement relayer's REST surface over
// github.com/go-chi/chi/v5: the inbound HTTP contract described in
// spec.md §6.1, fronting core.Context's wired components.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/core"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// Server is the REST front end. It holds no settlement logic of its own;
// every handler translates one HTTP request into a call against core.Context
// and maps the *apperr.Error result back onto the wire.
type Server struct {
	app   *core.Context
	log   *logging.Logger
	wsHub *WSHub

	router   chi.Router
	server   *http.Server
	listener net.Listener
}

// NewServer builds a Server wired to app. Routes are registered immediately
// so the returned Server is ready for Start or for use as an http.Handler
// in tests.
func NewServer(app *core.Context, authTokens []string) *Server {
	s := &Server{
		app:   app,
		log:   logging.GetDefault().Component("api"),
		wsHub: NewWSHub(),
	}
	go s.wsHub.Run()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(protected chi.Router) {
		protected.Use(newAuthMiddleware(app, authTokens))

		protected.Post("/relay/submit", s.handleRelaySubmit)
		protected.Get("/relay/status/{tx_id}", s.handleRelayStatus)

		protected.Post("/swap/execute", s.handleSwapExecute)
		protected.Post("/payments/send", s.handlePaymentsSend)
		protected.Post("/invoices", s.handleInvoicesCreate)
		protected.Post("/invoices/{id}/pay", s.handleInvoicesPay)
		protected.Post("/yield/solve", s.handleYieldSolve)
		protected.Post("/me/profile", s.handleMeProfile)

		protected.Get("/ws", s.wsHub.HandleUpgrade)
	})

	s.router = r
	return s
}

// ServeHTTP lets Server satisfy http.Handler directly, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving on addr in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware mirrors the teacher's permissive CORS policy, scoped to the
// headers this surface actually uses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a 2xx payload.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// errorBody is the wire shape from spec.md §7's "each 4xx/5xx body contains
// {error, message, tx_state?, tx_status?}".
type errorBody struct {
	Error    string `json:"error"`
	Message  string `json:"message"`
	TxState  string `json:"tx_state,omitempty"`
	TxStatus string `json:"tx_status,omitempty"`
}

// writeError maps an *apperr.Error onto the HTTP response.
func writeError(w http.ResponseWriter, aerr *apperr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(aerr.Kind))
	json.NewEncoder(w).Encode(errorBody{
		Error:    string(aerr.Kind),
		Message:  aerr.Message,
		TxState:  aerr.TxState,
		TxStatus: aerr.TxStatus,
	})
}

// decodeBody parses the request body into v, or writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperr.New(apperr.InvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}
