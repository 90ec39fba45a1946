// Package restsrv exposes the gas station over HTTP: sponsor and contract
// registration, credit management and the admission endpoints relaying
// sponsored calls. Handlers validate and admit, then hand the heavy lifting
// to the policy engine, the batch scheduler and the reconciler; every error
// is translated to a status code in exactly one place.
package restsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"blockwatch.cc/tzgo/tezos"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/marigold-dev/gas-station/pkg/chain"
	"github.com/marigold-dev/gas-station/pkg/config"
	"github.com/marigold-dev/gas-station/pkg/ledger"
	"github.com/marigold-dev/gas-station/pkg/policy"
	"github.com/marigold-dev/gas-station/pkg/services/scheduler"
	"github.com/rs/cors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// Relay is the chain-oracle surface the handlers need.
	Relay interface {
		Address() tezos.Address
		Simulate(ctx context.Context, calls []chain.Call) (*chain.SimulatedBatch, error)
		ConfirmDeposit(ctx context.Context, hash tezos.OpHash, payer tezos.Address, amount int64) (bool, error)
		ManagerKey(ctx context.Context, addr tezos.Address) (tezos.Key, error)
	}

	// Batcher is the scheduler surface admitting calls into the next batch.
	Batcher interface {
		Enqueue(ctx context.Context, sender string, calls []chain.Call) (*scheduler.Result, error)
	}

	// Settler confirms withdrawals after their transfer has been queued.
	Settler interface {
		ConfirmWithdraw(hash tezos.OpHash, vaultID uuid.UUID, amount int64)
	}

	// Server is the JSON API server.
	Server struct {
		store   ledger.Store
		policy  *policy.Engine
		relay   Relay
		batcher Batcher
		settler Settler

		config  config.RESTConfig
		log     *zap.Logger
		https   []*http.Server
		started *atomic.Bool
		errChan chan<- error
	}
)

// Errors owned by the HTTP layer. Everything else arrives wrapped from the
// ledger, the policy engine, the chain client or the scheduler.
var (
	errMalformedBody      = errors.New("malformed request body")
	errEmptyOperationList = errors.New("empty operations list")
	errBadOperationHash   = errors.New("malformed operation hash")
	errBadCondition       = errors.New("unknown condition or missing parameters")
	errBadMaxCalls        = errors.New("max calls cannot be smaller than -1")
)

// New creates a Server serving the API on every configured address. It only
// binds on Start and reports runtime failures through errChan.
func New(cfg config.RESTConfig, store ledger.Store, engine *policy.Engine, relay Relay,
	batcher Batcher, settler Settler, log *zap.Logger, errChan chan<- error) *Server {
	s := &Server{
		store:   store,
		policy:  engine,
		relay:   relay,
		batcher: batcher,
		settler: settler,
		config:  cfg,
		log:     log,
		started: atomic.NewBool(false),
		errChan: errChan,
	}
	var handler http.Handler = s.newRouter()
	if len(cfg.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
			AllowedHeaders: []string{"*"},
		}).Handler(handler)
	}
	for _, addr := range cfg.Addresses {
		s.https = append(s.https, &http.Server{Addr: addr, Handler: handler})
	}
	return s
}

// Name returns the service name.
func (s *Server) Name() string {
	return "rest"
}

// Start binds the configured addresses and serves in the background. The
// Server only starts once, subsequent calls to Start are no-op.
func (s *Server) Start() {
	if !s.config.Enabled {
		s.log.Info("REST API server is not enabled")
		return
	}
	if !s.started.CAS(false, true) {
		s.log.Info("REST API server already started")
		return
	}
	for _, srv := range s.https {
		s.log.Info("starting REST API server", zap.String("endpoint", srv.Addr))
		go func(srv *http.Server) {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				s.errChan <- err
				return
			}
			srv.Addr = ln.Addr().String()
			err = srv.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("failed to start REST API server", zap.Error(err))
				s.errChan <- err
			}
		}(srv)
	}
}

// Shutdown stops the Server. It can only be called once, subsequent calls to
// Shutdown on the same instance are no-op. A stopped instance cannot be
// restarted.
func (s *Server) Shutdown() {
	if !s.started.CAS(true, false) {
		return
	}
	for _, srv := range s.https {
		s.log.Info("shutting down REST API server", zap.String("endpoint", srv.Addr))
		if err := srv.Shutdown(context.Background()); err != nil {
			s.log.Warn("error during REST API server shutdown", zap.Error(err))
		}
	}
}

// Addresses returns the actual bind addresses, once Start has resolved them.
func (s *Server) Addresses() []string {
	addrs := make([]string, len(s.https))
	for i, srv := range s.https {
		addrs[i] = srv.Addr
	}
	return addrs
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)
	r.HandleFunc("/", s.health).Methods(http.MethodGet)
	r.HandleFunc("/sponsors", s.createSponsor).Methods(http.MethodPost)
	r.HandleFunc("/sponsors/{ref}", s.getSponsor).Methods(http.MethodGet)
	r.HandleFunc("/contracts", s.registerContract).Methods(http.MethodPost)
	r.HandleFunc("/contracts/user/{address}", s.getContractsByUser).Methods(http.MethodGet)
	r.HandleFunc("/contracts/credit/{id}", s.getContractsByVault).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{ref}", s.getContract).Methods(http.MethodGet)
	r.HandleFunc("/entrypoints", s.updateEntrypoints).Methods(http.MethodPut)
	r.HandleFunc("/entrypoints/{ref}", s.getEntrypoints).Methods(http.MethodGet)
	r.HandleFunc("/entrypoints/{ref}/{name}", s.getEntrypoint).Methods(http.MethodGet)
	r.HandleFunc("/credits/{ref}", s.getCredits).Methods(http.MethodGet)
	r.HandleFunc("/deposit", s.deposit).Methods(http.MethodPut)
	r.HandleFunc("/withdraw", s.withdraw).Methods(http.MethodPut)
	r.HandleFunc("/operation", s.postOperation).Methods(http.MethodPost)
	r.HandleFunc("/signed_operation", s.postSignedOperation).Methods(http.MethodPost)
	r.HandleFunc("/condition", s.createCondition).Methods(http.MethodPost)
	r.HandleFunc("/condition/{vaultId}", s.getConditionsByVault).Methods(http.MethodGet)
	r.HandleFunc("/contract/{id}/condition/max_calls", s.setMaxCallsPerMonth).Methods(http.MethodPut)
	return r
}

// observe wraps every handler with access logging and per-route metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if tpl, err := mux.CurrentRoute(r).GetPathTemplate(); err == nil {
			route = tpl
		}
		addReqTimeMetric(r.Method+" "+route, time.Since(start))
		s.log.Info("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.code),
			zap.Duration("took", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("can't encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errToStatus(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	} else {
		s.log.Warn("request rejected",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err))
	}
	s.writeJSON(w, code, map[string]string{"detail": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errMalformedBody
	}
	return nil
}

// errToStatus is the single place translating domain errors to status codes.
func errToStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrSponsorNotFound),
		errors.Is(err, ledger.ErrVaultNotFound),
		errors.Is(err, ledger.ErrContractNotFound),
		errors.Is(err, ledger.ErrEntrypointNotFound),
		errors.Is(err, ledger.ErrOperationNotFound),
		errors.Is(err, ledger.ErrConditionNotFound),
		errors.Is(err, chain.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrSponsorAlreadyRegistered),
		errors.Is(err, ledger.ErrContractAlreadyRegistered),
		errors.Is(err, ledger.ErrConditionAlreadyExists),
		errors.Is(err, ledger.ErrNotEnoughFunds),
		errors.Is(err, ledger.ErrConditionExceeded),
		errors.Is(err, policy.ErrEntrypointDisabled),
		errors.Is(err, policy.ErrTooManyCallsForThisMonth):
		return http.StatusForbidden
	case errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, chain.ErrInvalidSignature),
		errors.Is(err, chain.ErrSimulationFailed),
		errors.Is(err, ledger.ErrBadWithdrawCounter),
		errors.Is(err, errMalformedBody),
		errors.Is(err, errEmptyOperationList),
		errors.Is(err, errBadOperationHash),
		errors.Is(err, errBadCondition),
		errors.Is(err, errBadMaxCalls):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrBatchConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
