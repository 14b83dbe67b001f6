// Package web exposes the vault over a JSON HTTP API with an SSE stream of position snapshots.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/loopvault/internal/domain"
	"github.com/vadiminshakov/loopvault/internal/services/vault"
)

const (
	snapshotPollInterval = 2 * time.Second
	heartbeatInterval    = 30 * time.Second
	maxBodyBytes         = 1 << 20
)

type vaultService interface {
	Deposit(ctx context.Context, caller common.Address, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(ctx context.Context, caller common.Address, shares decimal.Decimal) (decimal.Decimal, error)
	Rebalance(ctx context.Context, caller common.Address) (vault.RebalanceResult, error)
	Delever(ctx context.Context, caller common.Address) (vault.RebalanceResult, error)
	EmergencyWithdrawAll(ctx context.Context, caller common.Address) (vault.EmergencyResult, error)
	Unpause(ctx context.Context, caller common.Address) error
	UpdateRiskParameters(ctx context.Context, caller common.Address, target, min, max decimal.Decimal, targetLTVBps int64) (domain.RiskParameters, error)
	GetHealthFactor(ctx context.Context) (decimal.Decimal, error)
	GetPositionSnapshot(ctx context.Context) (domain.PositionSnapshot, error)
	ConvertToShares(ctx context.Context, assets decimal.Decimal) (decimal.Decimal, error)
	ConvertToAssets(ctx context.Context, shares decimal.Decimal) (decimal.Decimal, error)
	BalanceOf(ctx context.Context, holder common.Address) decimal.Decimal
	TotalShares(ctx context.Context) decimal.Decimal
	RiskParameters(ctx context.Context) domain.RiskParameters
	Intents(ctx context.Context) []vault.Intent
}

type snapshotReader interface {
	SnapshotsAfter(index uint64) ([]domain.PositionSnapshotRecord, error)
}

// simulator is only available when the vault runs against the in-memory market.
type simulator interface {
	Fund(ctx context.Context, to common.Address, amount decimal.Decimal) error
	SetPrice(ctx context.Context, asset common.Address, price decimal.Decimal) error
}

// Server exposes HTTP endpoints for the vault.
type Server struct {
	Addr string

	l     *zap.Logger
	vault vaultService
	store snapshotReader
	sim   simulator
	token string
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithSnapshotStore enables the snapshot history and stream endpoints.
func WithSnapshotStore(store snapshotReader) Option {
	return func(s *Server) { s.store = store }
}

// WithSimulator enables the faucet and price endpoints.
func WithSimulator(sim simulator) Option {
	return func(s *Server) { s.sim = sim }
}

// WithAPIToken requires "Authorization: Bearer <token>" on every state-changing route.
func WithAPIToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// NewServer creates a new web server instance.
func NewServer(l *zap.Logger, addr string, v vaultService, opts ...Option) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Server{Addr: addr, l: l, vault: v}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recovery)
	router.Use(s.logging)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/position", s.handlePosition).Methods(http.MethodGet)
	api.HandleFunc("/health-factor", s.handleHealthFactor).Methods(http.MethodGet)
	api.HandleFunc("/shares/{holder}", s.handleShares).Methods(http.MethodGet)
	api.HandleFunc("/convert/to-shares", s.handleConvertToShares).Methods(http.MethodGet)
	api.HandleFunc("/convert/to-assets", s.handleConvertToAssets).Methods(http.MethodGet)
	api.HandleFunc("/risk-parameters", s.handleGetRiskParameters).Methods(http.MethodGet)
	api.HandleFunc("/intents", s.handleIntents).Methods(http.MethodGet)
	api.HandleFunc("/snapshots", s.handleSnapshots).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/stream", s.handleSnapshotStream).Methods(http.MethodGet)

	mutating := api.NewRoute().Subrouter()
	mutating.Use(s.auth)
	mutating.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	mutating.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	mutating.HandleFunc("/rebalance", s.handleRebalance).Methods(http.MethodPost)
	mutating.HandleFunc("/delever", s.handleDelever).Methods(http.MethodPost)
	mutating.HandleFunc("/emergency-withdraw", s.handleEmergencyWithdraw).Methods(http.MethodPost)
	mutating.HandleFunc("/unpause", s.handleUnpause).Methods(http.MethodPost)
	mutating.HandleFunc("/risk-parameters", s.handleUpdateRiskParameters).Methods(http.MethodPut)

	if s.sim != nil {
		mutating.HandleFunc("/sim/faucet", s.handleFaucet).Methods(http.MethodPost)
		mutating.HandleFunc("/sim/price", s.handleSetPrice).Methods(http.MethodPost)
	}

	return router
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("HTTP API listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondWithError(w, http.StatusServiceUnavailable, "snapshots_unavailable", "snapshot store not available", "")
		return
	}
	after, err := parseIndex(r.URL.Query().Get("after"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_after", "after must be a WAL index", err.Error())
		return
	}
	records, err := s.store.SnapshotsAfter(after)
	if err != nil {
		s.l.Error("failed to load snapshots", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal_error", "failed to load snapshots", "")
		return
	}
	if records == nil {
		records = []domain.PositionSnapshotRecord{}
	}
	respondWithJSON(w, http.StatusOK, records)
}

func (s *Server) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "snapshot store not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	lastIndex, err := parseIndex(r.URL.Query().Get("after"))
	if err != nil {
		http.Error(w, "after must be a WAL index", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send a comment heartbeat so proxies keep connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(snapshotPollInterval)
	defer pollTicker.Stop()

	sendSnapshots := func() error {
		records, err := s.store.SnapshotsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			payload, err := json.Marshal(record.Snapshot)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: position\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			lastIndex = record.Index
		}
		return nil
	}

	if err := sendSnapshots(); err != nil {
		http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
		s.l.Error("snapshot stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendSnapshots(); err != nil {
				s.l.Warn("snapshot stream poll", zap.Error(err))
			}
		}
	}
}
