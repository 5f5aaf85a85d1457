package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"whizy-agent/internal/agent"
	"whizy-agent/internal/contracts"
	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/indexer"
	"whizy-agent/internal/knowledge"
	"whizy-agent/internal/llm"
	"whizy-agent/internal/profile"
	"whizy-agent/internal/rebalance"
	"whizy-agent/internal/wallet"
	"whizy-agent/internal/web3"
)

type scriptedLLM struct {
	responses []string
}

func (s *scriptedLLM) Complete(context.Context, llm.ChatRequest) (string, error) {
	if len(s.responses) == 0 {
		return "", nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

// stubChain serves canned ABI-encoded responses per contract address.
type stubChain struct {
	outputs map[common.Address][]byte
}

func (s *stubChain) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(296), nil }
func (s *stubChain) CallContract(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	return s.outputs[to], nil
}
func (s *stubChain) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (s *stubChain) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 0, nil
}
func (s *stubChain) SendSignedTx(context.Context, *coretypes.Transaction) (common.Hash, error) {
	return common.Hash{}, nil
}
func (s *stubChain) WaitReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, nil
}
func (s *stubChain) Close() {}

// fakeIndexer serves canned event-indexer reads.
type fakeIndexer struct {
	balance  float64
	deposits []indexer.DepositEvent
	history  []indexer.RebalanceEvent
	users    []string
}

func (f *fakeIndexer) UserBalance(context.Context, string) (float64, error) {
	return f.balance, nil
}
func (f *fakeIndexer) UserDeposits(context.Context, string) ([]indexer.DepositEvent, error) {
	return f.deposits, nil
}
func (f *fakeIndexer) RebalanceHistory(context.Context, string) ([]indexer.RebalanceEvent, error) {
	return f.history, nil
}
func (f *fakeIndexer) AllUserAddresses(context.Context) ([]string, error) {
	return f.users, nil
}

const (
	testDelegation = "0x6D5f91cA52bdD5d3DAAb52D91fBfd7e7D253d64A"
	testSelector   = "0x0371aB2d90A436C8E5c5B6aF8835F46A6Ce884Ba"
	testToken      = "0x8bc6E87bE188B7964E48f37d7A2c144416a995eE"
)

func newTestServer(t *testing.T, model llm.Client) (*Server, *rebalance.Service) {
	t.Helper()

	profiles := profile.NewMemoryStore()
	classifier, err := agent.NewClassifier(model, profiles)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}

	configOut, err := contracts.RebalancerDelegation.Methods["userConfigs"].Outputs.Pack(
		true, uint8(2), big.NewInt(5_000_000))
	if err != nil {
		t.Fatalf("pack userConfigs output: %v", err)
	}
	balanceOut, err := contracts.ERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(1_250_000))
	if err != nil {
		t.Fatalf("pack balanceOf output: %v", err)
	}
	stakedOut, err := contracts.ProtocolSelector.Methods["getTotalBalance"].Outputs.Pack(big.NewInt(3_000_000))
	if err != nil {
		t.Fatalf("pack getTotalBalance output: %v", err)
	}
	chain := &stubChain{outputs: map[common.Address][]byte{
		common.HexToAddress(testDelegation): configOut,
		common.HexToAddress(testSelector):   stakedOut,
		common.HexToAddress(testToken):      balanceOut,
	}}
	wallets, err := wallet.NewReader(chain, wallet.Config{
		RebalancerDelegation: testDelegation,
		ProtocolSelector:     testSelector,
		Token:                testToken,
	})
	if err != nil {
		t.Fatalf("new wallet reader: %v", err)
	}

	service := rebalance.NewService(rebalance.NewMemoryStore(), rebalance.NewMemoryQueue(16), 3)

	server := NewServer(Config{
		Classifier: classifier,
		Profiles:   profiles,
		Wallets:    wallets,
		Rebalances: service,
		Indexer: &fakeIndexer{
			balance: 12.5,
			deposits: []indexer.DepositEvent{
				{ID: "d1", Address: "0xaa", Amount: 12.5, BlockNumber: 100, TxHash: "0xdead"},
			},
			history: []indexer.RebalanceEvent{
				{ID: "r1", Address: "0xaa", Operator: "0xop", Amount: 12.5, TxHash: "0xbeef"},
			},
			users: []string{"0xaa", "0xbb"},
		},
		Workers: 4,
	})
	return server, service
}

// newKnowledgeTestServer wires a real knowledge agent over a stub catalog so
// the query route can be exercised end to end.
func newKnowledgeTestServer(t *testing.T, model llm.Client) *Server {
	t.Helper()
	catalog := []knowledge.Protocol{
		{ID: "aave-v3", Name: "Aave V3", Chain: "hedera", Token: "USDC", BaseAPY: 4.8, RiskLevel: "low", Stablecoin: true, Active: true},
	}
	catalogSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(catalog)
	}))
	t.Cleanup(catalogSrv.Close)

	fetcher, err := knowledge.NewFetcher(catalogSrv.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	knowledgeAgent, err := agent.NewKnowledgeAgent(agent.KnowledgeAgentConfig{
		LLM:       model,
		Fetcher:   fetcher,
		Retriever: knowledge.NewMemoryRetriever(),
	})
	if err != nil {
		t.Fatalf("new knowledge agent: %v", err)
	}
	if err := knowledgeAgent.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return NewServer(Config{Knowledge: knowledgeAgent})
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health returned %d", rec.Code)
	}
	var resp struct {
		Status  string `json:"status"`
		Workers int    `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.Status != "ok" || resp.Workers != 4 {
		t.Fatalf("unexpected health payload: %+v", resp)
	}
}

func TestQueryEndpointResponseShape(t *testing.T) {
	server := newKnowledgeTestServer(t, &scriptedLLM{responses: []string{`{"id_project": "aave-v3"}`}})
	rec := postJSON(t, server.Handler(), "/query", map[string]string{
		"query": "where should I park USDC?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Response []struct {
			IDProject string `json:"id_project"`
		} `json:"response"`
		ThreadID       string  `json:"thread_id"`
		ProcessingTime float64 `json:"processing_time"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Response) != 1 || resp.Response[0].IDProject != "aave-v3" {
		t.Fatalf("unexpected response list: %+v", resp.Response)
	}
	if resp.ThreadID == "" {
		t.Fatal("expected a thread id")
	}
}

func TestQueryEndpointBadModelOutput(t *testing.T) {
	server := newKnowledgeTestServer(t, &scriptedLLM{responses: []string{"plain prose answer"}})
	rec := postJSON(t, server.Handler(), "/query", map[string]string{"query": "best yield?"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for non-JSON model output, got %d", rec.Code)
	}
}

func TestTimeoutStatusMapping(t *testing.T) {
	if got := statusFor(xerrors.CodeTimeout); got != http.StatusInternalServerError {
		t.Fatalf("timeout mapped to %d, want 500", got)
	}
}

func TestGenerateRiskProfile(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{responses: []string{`{"risk": "low"}`}})
	rec := postJSON(t, server.Handler(), "/generate-risk-profile", map[string]string{
		"user_address": "0xABCDEF0000000000000000000000000000000001",
		"data":         "I never want to lose principal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Risk        string `json:"risk"`
		UserAddress string `json:"user_address"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Risk != "low" {
		t.Fatalf("got risk %q", resp.Risk)
	}
	if resp.UserAddress != strings.ToLower("0xABCDEF0000000000000000000000000000000001") {
		t.Fatalf("address not normalized: %q", resp.UserAddress)
	}
}

func TestGenerateRiskProfileBadModelOutput(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{responses: []string{"not json"}})
	rec := postJSON(t, server.Handler(), "/generate-risk-profile", map[string]string{
		"user_address": "0xabc",
		"data":         "answers",
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for model failure, got %d", rec.Code)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "LLM_FAILURE" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

func TestInvalidBodyReturnsBadRequest(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodPost, "/generate-risk-profile", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPostOnlyEndpointsRejectGet(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestUserConfigEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	rec := postJSON(t, server.Handler(), "/action/get-user-config", map[string]string{
		"user_address": "0x00000000000000000000000000000000000000AA",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Enabled         bool    `json:"enabled"`
		RiskProfile     int     `json:"risk_profile"`
		DepositedAmount float64 `json:"deposited_amount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Enabled || resp.RiskProfile != 2 || resp.DepositedAmount != 5.0 {
		t.Fatalf("unexpected config: %+v", resp)
	}
}

func TestUserBalanceEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	rec := postJSON(t, server.Handler(), "/action/get-user-balance", map[string]string{
		"user_address": "0x00000000000000000000000000000000000000AA",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Wallet float64 `json:"wallet_balance"`
		Total  float64 `json:"total_balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Wallet != 1.25 {
		t.Fatalf("expected scaled wallet balance 1.25, got %v", resp.Wallet)
	}
	if resp.Total != 4.25 {
		t.Fatalf("expected total 4.25 (wallet + staked), got %v", resp.Total)
	}
}

func TestManualRebalanceTriggerAndList(t *testing.T) {
	server, service := newTestServer(t, &scriptedLLM{})
	handler := server.Handler()

	rec := postJSON(t, handler, "/api/v1/rebalances", map[string]string{
		"user_address": "0x00000000000000000000000000000000000000BB",
		"risk_level":   "high",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger returned %d, body %s", rec.Code, rec.Body.String())
	}
	var job rebalance.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Trigger != rebalance.TriggerManual {
		t.Fatalf("expected manual trigger, got %s", job.Trigger)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/rebalances?status=pending&limit=5", nil)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list returned %d", listRec.Code)
	}
	var jobs []rebalance.Job
	if err := json.Unmarshal(listRec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("unexpected job list: %+v", jobs)
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/api/v1/rebalances/stats", nil)
	statsRec := httptest.NewRecorder()
	handler.ServeHTTP(statsRec, statsReq)
	if statsRec.Code != http.StatusOK {
		t.Fatalf("stats returned %d", statsRec.Code)
	}
	var stats rebalance.JobStats
	if err := json.Unmarshal(statsRec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	_ = service
}

func TestListRebalancesRejectsUnknownStatus(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rebalances?status=bogus", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus status, got %d", rec.Code)
	}
}

func TestUserDepositsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/0xAA/deposits", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		UserAddress string                 `json:"user_address"`
		Balance     float64                `json:"balance"`
		Deposits    []indexer.DepositEvent `json:"deposits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserAddress != "0xaa" {
		t.Fatalf("address not normalized: %q", resp.UserAddress)
	}
	if resp.Balance != 12.5 || len(resp.Deposits) != 1 || resp.Deposits[0].TxHash != "0xdead" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestUserRebalanceHistoryEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/0xaa/rebalances", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	var events []indexer.RebalanceEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events) != 1 || events[0].Operator != "0xop" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestListUsersEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp struct {
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Users) != 2 {
		t.Fatalf("unexpected users: %v", resp.Users)
	}
}

func TestIndexerEndpointsUnavailableWithoutIndexer(t *testing.T) {
	server := NewServer(Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without an indexer, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodOptions, "/query", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight returned %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}
