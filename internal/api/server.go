// Package api exposes the REST surface of the daemon: the agent endpoints
// consumed by the web app and the admin endpoints for the rebalance pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whizy-agent/internal/agent"
	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/indexer"
	"whizy-agent/internal/observability/metrics"
	"whizy-agent/internal/profile"
	"whizy-agent/internal/rebalance"
	"whizy-agent/internal/wallet"
	"whizy-agent/pkg/logger"
)

// IndexerReader exposes the event-indexer reads served on the admin routes.
type IndexerReader interface {
	UserBalance(ctx context.Context, userAddress string) (float64, error)
	UserDeposits(ctx context.Context, userAddress string) ([]indexer.DepositEvent, error)
	RebalanceHistory(ctx context.Context, userAddress string) ([]indexer.RebalanceEvent, error)
	AllUserAddresses(ctx context.Context) ([]string, error)
}

// queryBudget bounds how long a single knowledge query may run end to end.
const queryBudget = 30 * time.Second

// Server routes HTTP requests to the agents, the wallet reader and the
// rebalance service.
type Server struct {
	addr       string
	classifier *agent.Classifier
	knowledge  *agent.KnowledgeAgent
	profiles   profile.Store
	wallets    *wallet.Reader
	rebalances *rebalance.Service
	events     IndexerReader
	workers    int
	log        *slog.Logger
}

// Config bundles the collaborators exposed over HTTP. Any nil collaborator
// disables its endpoints with 503 instead of failing startup.
type Config struct {
	Address    string
	Classifier *agent.Classifier
	Knowledge  *agent.KnowledgeAgent
	Profiles   profile.Store
	Wallets    *wallet.Reader
	Rebalances *rebalance.Service
	Indexer    IndexerReader
	Workers    int
}

// NewServer builds the HTTP server.
func NewServer(cfg Config) *Server {
	addr := cfg.Address
	if addr == "" {
		addr = ":8000"
	}
	return &Server{
		addr:       addr,
		classifier: cfg.Classifier,
		knowledge:  cfg.Knowledge,
		profiles:   cfg.Profiles,
		wallets:    cfg.Wallets,
		rebalances: cfg.Rebalances,
		events:     cfg.Indexer,
		workers:    cfg.Workers,
		log:        logger.Named("api"),
	}
}

// Handler assembles the route table. Split out from Start so tests can drive
// the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/generate-risk-profile", s.post(s.handleGenerateRiskProfile))
	mux.HandleFunc("/query", s.post(s.handleQuery))
	mux.HandleFunc("/get-strategy-recommendation", s.post(s.handleStrategyRecommendation))
	mux.HandleFunc("/action/get-user-balance", s.post(s.handleUserBalance))
	mux.HandleFunc("/action/get-user-config", s.post(s.handleUserConfig))

	mux.HandleFunc("/api/v1/rebalances", s.handleRebalances)
	mux.HandleFunc("/api/v1/rebalances/stats", s.handleRebalanceStats)

	mux.HandleFunc("GET /api/v1/users", s.handleListUsers)
	mux.HandleFunc("GET /api/v1/users/{address}/deposits", s.handleUserDeposits)
	mux.HandleFunc("GET /api/v1/users/{address}/rebalances", s.handleUserRebalanceHistory)

	return withCORS(s.instrument(mux))
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("api server listening", "addr", s.addr)

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

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.workers,
		"components": map[string]bool{
			"classifier": s.classifier != nil,
			"knowledge":  s.knowledge != nil,
			"wallet":     s.wallets != nil,
			"rebalance":  s.rebalances != nil,
			"indexer":    s.events != nil,
		},
	})
}

type riskProfileRequest struct {
	UserAddress string `json:"user_address"`
	Data        string `json:"data"`
}

type riskProfileResponse struct {
	UserAddress string `json:"user_address"`
	Risk        string `json:"risk"`
}

func (s *Server) handleGenerateRiskProfile(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "classifier not configured"))
		return
	}
	var req riskProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prof, err := s.classifier.GenerateProfile(r.Context(), req.UserAddress, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, riskProfileResponse{
		UserAddress: prof.UserAddress,
		Risk:        prof.RiskLevel,
	})
}

type queryRequest struct {
	Query       string `json:"query"`
	ThreadID    string `json:"thread_id"`
	UserAddress string `json:"user_address"`
}

// projectRef wraps the protocol id the knowledge agent selected. The web app
// expects the answer as a list of these.
type projectRef struct {
	IDProject string `json:"id_project"`
}

type queryResponse struct {
	Response       []projectRef `json:"response"`
	ThreadID       string       `json:"thread_id"`
	ProcessingTime float64      `json:"processing_time"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "knowledge agent not configured"))
		return
	}
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), queryBudget)
	defer cancel()

	riskLevel := s.lookupRisk(ctx, req.UserAddress)

	started := time.Now()
	result, err := s.knowledge.Query(ctx, agent.QueryRequest{
		Query:     req.Query,
		ThreadID:  req.ThreadID,
		RiskLevel: riskLevel,
	})
	if err != nil {
		if ctx.Err() != nil {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "query exceeded time budget")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Response:       []projectRef{{IDProject: result.ProjectID}},
		ThreadID:       result.ThreadID,
		ProcessingTime: time.Since(started).Seconds(),
	})
}

// lookupRisk resolves the stored risk level for a user, if any. A missing
// profile is not an error; the query simply runs without risk guidance.
func (s *Server) lookupRisk(ctx context.Context, userAddress string) string {
	if s.profiles == nil || strings.TrimSpace(userAddress) == "" {
		return ""
	}
	prof, err := s.profiles.Get(ctx, userAddress)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			s.log.Warn("risk profile lookup failed", "user_address", userAddress, "error", err)
		}
		return ""
	}
	return prof.RiskLevel
}

type strategyRequest struct {
	RiskLevel   string `json:"risk_level"`
	UserAddress string `json:"user_address"`
	Data        string `json:"data"`
}

func (s *Server) handleStrategyRecommendation(w http.ResponseWriter, r *http.Request) {
	if s.knowledge == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "knowledge agent not configured"))
		return
	}
	var req strategyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	level := req.RiskLevel
	if level == "" {
		level = s.lookupRisk(r.Context(), req.UserAddress)
	}
	// Fresh questionnaire answers can stand in for a stored profile.
	if level == "" && req.Data != "" && s.classifier != nil {
		classified, err := s.classifier.Classify(r.Context(), req.Data)
		if err != nil {
			writeError(w, err)
			return
		}
		level = classified
	}
	if level == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "risk_level, questionnaire data, or a profiled user_address is required"))
		return
	}
	rec, err := s.knowledge.StrategyRecommendation(r.Context(), level)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type walletRequest struct {
	UserAddress string `json:"user_address"`
}

type userBalanceResponse struct {
	UserAddress string                 `json:"user_address"`
	Wallet      float64                `json:"wallet_balance"`
	Staked      []wallet.TokenPosition `json:"staked_balances"`
	Total       float64                `json:"total_balance"`
}

func (s *Server) handleUserBalance(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "wallet reader not configured"))
		return
	}
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	walletBalance, err := s.wallets.TokenBalance(ctx, req.UserAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	staked, err := s.wallets.StakedBalances(ctx, req.UserAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	total := walletBalance
	for _, pos := range staked {
		total += pos.Amount
	}
	writeJSON(w, http.StatusOK, userBalanceResponse{
		UserAddress: strings.ToLower(req.UserAddress),
		Wallet:      walletBalance,
		Staked:      staked,
		Total:       total,
	})
}

type userConfigResponse struct {
	UserAddress     string  `json:"user_address"`
	Enabled         bool    `json:"enabled"`
	RiskProfile     int     `json:"risk_profile"`
	DepositedAmount float64 `json:"deposited_amount"`
}

func (s *Server) handleUserConfig(w http.ResponseWriter, r *http.Request) {
	if s.wallets == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "wallet reader not configured"))
		return
	}
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cfg, err := s.wallets.UserConfig(r.Context(), req.UserAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userConfigResponse{
		UserAddress:     strings.ToLower(req.UserAddress),
		Enabled:         cfg.Enabled,
		RiskProfile:     cfg.RiskProfile,
		DepositedAmount: cfg.DepositedAmount,
	})
}

type manualRebalanceRequest struct {
	UserAddress string `json:"user_address"`
	RiskLevel   string `json:"risk_level"`
}

func (s *Server) handleRebalances(w http.ResponseWriter, r *http.Request) {
	if s.rebalances == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "rebalance service not configured"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListRebalances(w, r)
	case http.MethodPost:
		s.handleTriggerRebalance(w, r)
	default:
		http.Error(w, "only GET/POST supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListRebalances(w http.ResponseWriter, r *http.Request) {
	opts := []rebalance.ListOption{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, rebalance.WithLimit(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]rebalance.Status, 0, 2)
		for _, item := range strings.Split(raw, ",") {
			status := rebalance.Status(strings.TrimSpace(item))
			if !rebalance.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+item))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, rebalance.WithStatuses(statuses...))
	}
	if user := query.Get("user"); user != "" {
		opts = append(opts, rebalance.WithUser(user))
	}

	jobs, err := s.rebalances.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	var req manualRebalanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.rebalances.Submit(r.Context(), rebalance.SubmitRequest{
		UserAddress: req.UserAddress,
		RiskLevel:   req.RiskLevel,
		Trigger:     rebalance.TriggerManual,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type userDepositsResponse struct {
	UserAddress string                 `json:"user_address"`
	Balance     float64                `json:"balance"`
	Deposits    []indexer.DepositEvent `json:"deposits"`
}

func (s *Server) handleUserDeposits(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "indexer not configured"))
		return
	}
	address := r.PathValue("address")
	balance, err := s.events.UserBalance(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	deposits, err := s.events.UserDeposits(r.Context(), address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userDepositsResponse{
		UserAddress: strings.ToLower(address),
		Balance:     balance,
		Deposits:    deposits,
	})
}

func (s *Server) handleUserRebalanceHistory(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "indexer not configured"))
		return
	}
	events, err := s.events.RebalanceHistory(r.Context(), r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "indexer not configured"))
		return
	}
	addresses, err := s.events.AllUserAddresses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": addresses})
}

func (s *Server) handleRebalanceStats(w http.ResponseWriter, r *http.Request) {
	if s.rebalances == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "rebalance service not configured"))
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "only GET supported", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.rebalances.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// post rejects every method except POST before invoking the handler.
func (s *Server) post(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "only POST supported", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}

// instrument records request metrics per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(r.URL.Path, r.Method, recorder.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withCORS mirrors the permissive policy of the original deployment: the
// API sits behind an authenticating gateway, so the daemon itself allows
// any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body"))
		return false
	}
	return true
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	writeJSON(w, statusFor(code), body)
}

// statusFor maps the daemon's error codes onto HTTP statuses.
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		// The web app treats every agent failure, timeouts included, as 500.
		return http.StatusInternalServerError
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeLLMFailure, xerrors.CodeChainFailure, xerrors.CodeRetrievalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
