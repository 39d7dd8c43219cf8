// Package api exposes the escrow registry over REST for owners, keepers
// and indexer tooling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"InheritChain/internal/auth"
	"InheritChain/internal/escrow"
	xerrors "InheritChain/internal/errors"
	"InheritChain/internal/names"
	"InheritChain/internal/observability/alerting"
	"InheritChain/internal/observability/metrics"
	"InheritChain/pkg/logger"
)

// Server exposes the escrow service over HTTP.
type Server struct {
	addr    string
	service *escrow.Service
	auth    *auth.Service
	alerts  alerting.Dispatcher
	log     *slog.Logger
}

// NewServer builds the HTTP surface. auth and alerts may be nil.
func NewServer(addr string, service *escrow.Service, authSvc *auth.Service, alerts alerting.Dispatcher) *Server {
	return &Server{
		addr:    addr,
		service: service,
		auth:    authSvc,
		alerts:  alerts,
		log:     logger.Named("api"),
	}
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/escrows", s.instrument("create_escrow", s.handleCreate))
	mux.HandleFunc("GET /api/v1/escrows", s.instrument("list_escrows", s.handleList))
	mux.HandleFunc("GET /api/v1/escrows/{id}", s.instrument("get_escrow", s.handleGet))
	mux.HandleFunc("GET /api/v1/escrows/{id}/countdown", s.instrument("countdown", s.handleCountdown))
	mux.HandleFunc("POST /api/v1/escrows/{id}/beneficiaries", s.instrument("add_beneficiaries", s.handleAddBeneficiaries))
	mux.HandleFunc("POST /api/v1/escrows/{id}/activity", s.instrument("update_activity", s.handleActivity))
	mux.HandleFunc("POST /api/v1/escrows/{id}/keeper", s.instrument("set_keeper", s.handleSetKeeper))
	mux.HandleFunc("POST /api/v1/escrows/{id}/gateway", s.instrument("set_gateway", s.handleSetGateway))
	mux.HandleFunc("POST /api/v1/escrows/{id}/deactivate", s.instrument("deactivate", s.handleDeactivate))
	mux.HandleFunc("POST /api/v1/escrows/{id}/run", s.instrument("run", s.handleRun))

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(handler)
	}

	root := http.NewServeMux()
	root.Handle("/api/", handler)
	root.Handle("/metrics", metrics.Handler())
	root.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, root),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createRequest struct {
	Owner               string `json:"owner"`
	MonitoredWallet     string `json:"monitored_wallet"`
	InactivityThreshold int64  `json:"inactivity_threshold"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	created, err := s.service.CreateEscrow(r.Context(), parseAddress(req.Owner), req.MonitoredWallet, req.InactivityThreshold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := parseAddress(r.URL.Query().Get("owner"))
	if owner == (common.Address{}) {
		http.Error(w, "owner query parameter is required", http.StatusBadRequest)
		return
	}
	escrows, err := s.service.EscrowsByOwner(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrows)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	found, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCountdown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	remaining, err := s.service.TimeUntilExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escrow_id":    id,
		"seconds_left": remaining,
		"executable":   remaining == 0,
	})
}

type beneficiaryRequest struct {
	Caller string `json:"caller"`
	Rows   []struct {
		Recipient  string `json:"recipient"`
		ShareBps   uint32 `json:"share_bps"`
		ChainID    uint64 `json:"chain_id"`
		Asset      string `json:"asset"`
		WantsSwap  bool   `json:"wants_swap"`
		SwapTarget string `json:"swap_target"`
	} `json:"rows"`
}

func (s *Server) handleAddBeneficiaries(w http.ResponseWriter, r *http.Request) {
	var req beneficiaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	batch := escrow.BatchInput{}
	for _, row := range req.Rows {
		batch.Recipients = append(batch.Recipients, row.Recipient)
		batch.ShareBps = append(batch.ShareBps, row.ShareBps)
		batch.ChainIDs = append(batch.ChainIDs, row.ChainID)
		batch.Assets = append(batch.Assets, parseAddress(row.Asset))
		batch.WantsSwap = append(batch.WantsSwap, row.WantsSwap)
		batch.SwapTargets = append(batch.SwapTargets, parseAddress(row.SwapTarget))
	}
	updated, err := s.service.AddBeneficiariesBatch(r.Context(), r.PathValue("id"), parseAddress(req.Caller), batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type activityRequest struct {
	Caller    string `json:"caller"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	updated, err := s.service.UpdateActivity(r.Context(), r.PathValue("id"), parseAddress(req.Caller), req.Timestamp)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type addressRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

func (s *Server) handleSetKeeper(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	updated, err := s.service.SetKeeper(r.Context(), r.PathValue("id"), parseAddress(req.Caller), parseAddress(req.Address))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetGateway(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	updated, err := s.service.SetSwapGateway(r.Context(), r.PathValue("id"), parseAddress(req.Caller), parseAddress(req.Address))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	updated, err := s.service.Deactivate(r.Context(), r.PathValue("id"), parseAddress(req.Caller))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := s.service.Run(r.Context(), id)
	metrics.ObserveRun(err == nil)
	if err != nil {
		if event, alert := alerting.FromError(err, id); alert && s.alerts != nil {
			if notifyErr := s.alerts.Notify(r.Context(), event); notifyErr != nil {
				s.log.Error("dispatch alert", slog.Any("error", notifyErr))
			}
		}
		s.writeError(w, err)
		return
	}
	for _, payment := range report.Payments {
		metrics.ObserveTransfer(payment.Swapped)
	}
	writeJSON(w, http.StatusOK, report)
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.Any("error", err))
	}
	message := err.Error()
	if coded, ok := xerrors.From(err); ok {
		message = coded.Message()
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": message,
	})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, escrow.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, escrow.CodeEscrowNotFound:
		return http.StatusNotFound
	case xerrors.CodeUnauthorized, escrow.CodeNotOwner, escrow.CodeNotKeeper:
		return http.StatusForbidden
	case xerrors.CodeConflict, escrow.CodeEscrowConflict, xerrors.CodeInvalidState,
		escrow.CodeInactive, escrow.CodeNotDue, escrow.CodeNoBeneficiaries,
		escrow.CodeBeneficiaryCap, escrow.CodeKeeperPostpone, escrow.CodeReentrancy:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseAddress(value string) common.Address {
	return names.ParseHexAddress(value)
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
