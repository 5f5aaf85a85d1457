package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/knowledge"
	"whizy-agent/internal/llm"
	"whizy-agent/internal/observability/metrics"
	"whizy-agent/pkg/logger"
)

const knowledgeSystemPrompt = `You are the knowledge agent of Whizy Protocol, an automated yield optimizer for stablecoin deposits.

How Whizy allocates funds: deposits are split across the best available yield protocols using 50/30/20 weights (half into the top protocol, 30%% into the second, 20%% into the third). Positions are rebalanced when a better allocation would improve the blended APY by more than 2%%.

Answer using ONLY the protocol context below. Pick the single protocol from the context that best fits the question and respond with ONLY a JSON object {"id_project": "<protocol id>"}. If the context does not contain a suitable protocol, respond with {"id_project": ""} rather than inventing one.

Protocol context:
%s`

const strategyPromptTemplate = `Based on the protocol context below and the user's risk appetite, produce an allocation strategy.

Risk appetite: %s
Strategy guidance: %s

Protocol context:
%s

Respond with ONLY a JSON object with exactly these fields:
{
  "recommended_protocols": ["<protocol id>", ...],
  "expected_apy_range": "<e.g. 4%% - 8%%>",
  "risk_factors": ["<factor>", ...],
  "rebalancing_threshold": "<e.g. 2%% APY improvement>"
}`

// QueryRequest is one user question to the knowledge agent.
type QueryRequest struct {
	Query     string
	ThreadID  string
	RiskLevel string
}

// QueryResult carries the agent's answer and the thread it belongs to.
// Response is the raw model output; ProjectID is the protocol id parsed
// from it.
type QueryResult struct {
	Response  string
	ProjectID string
	ThreadID  string
}

// StrategyRecommendation is the structured allocation advice produced for a
// risk level.
type StrategyRecommendation struct {
	RiskLevel            string   `json:"risk_level"`
	RecommendedProtocols []string `json:"recommended_protocols"`
	ExpectedAPYRange     string   `json:"expected_apy_range"`
	RiskFactors          []string `json:"risk_factors"`
	RebalancingThreshold string   `json:"rebalancing_threshold"`
}

// KnowledgeAgent answers protocol questions with retrieval-augmented context
// and keeps per-thread conversation memory.
type KnowledgeAgent struct {
	llm        llm.Client
	fetcher    *knowledge.Fetcher
	retriever  knowledge.Retriever
	prompts    *knowledge.PromptCatalog
	threads    ThreadStore
	maxResults int
	log        *slog.Logger

	mu        sync.RWMutex
	protocols []knowledge.Protocol
}

// KnowledgeAgentConfig bundles the collaborators of the agent.
type KnowledgeAgentConfig struct {
	LLM        llm.Client
	Fetcher    *knowledge.Fetcher
	Retriever  knowledge.Retriever
	Prompts    *knowledge.PromptCatalog
	Threads    ThreadStore
	MaxResults int
}

// NewKnowledgeAgent validates the wiring and returns an agent that still
// needs Initialize before it can answer queries.
func NewKnowledgeAgent(cfg KnowledgeAgentConfig) (*KnowledgeAgent, error) {
	if cfg.LLM == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "llm client is nil")
	}
	if cfg.Fetcher == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "protocol fetcher is nil")
	}
	if cfg.Retriever == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "retriever is nil")
	}
	prompts := cfg.Prompts
	if prompts == nil {
		prompts = knowledge.DefaultPromptCatalog()
	}
	threads := cfg.Threads
	if threads == nil {
		threads = NewMemoryThreadStore()
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 4
	}
	return &KnowledgeAgent{
		llm:        cfg.LLM,
		fetcher:    cfg.Fetcher,
		retriever:  cfg.Retriever,
		prompts:    prompts,
		threads:    threads,
		maxResults: maxResults,
		log:        logger.Named("knowledge-agent"),
	}, nil
}

// Initialize fetches the protocol catalog and indexes it for retrieval.
func (a *KnowledgeAgent) Initialize(ctx context.Context) error {
	protocols, err := a.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}
	active := protocols[:0]
	for _, p := range protocols {
		if p.Active {
			active = append(active, p)
		}
	}
	if err := a.retriever.Index(ctx, active); err != nil {
		return err
	}

	a.mu.Lock()
	a.protocols = active
	a.mu.Unlock()

	a.log.Info("protocol catalog indexed", "protocols", len(active))
	return nil
}

// RefreshLoop re-fetches the catalog on the given interval until the context
// is cancelled. Failures are logged and retried on the next tick.
func (a *KnowledgeAgent) RefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Initialize(ctx); err != nil {
				a.log.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}

// Query answers a user question, threading conversation history and the
// user's risk appetite into the prompt.
func (a *KnowledgeAgent) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "query is empty")
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}

	enhanced := query
	if level := strings.ToLower(strings.TrimSpace(req.RiskLevel)); level != "" {
		riskPrompt, err := a.prompts.ForRisk(level)
		if err != nil {
			return nil, err
		}
		enhanced = fmt.Sprintf("%s\n\nUser query: %s", riskPrompt.Prompt, query)
	}

	docs, err := a.retriever.Search(ctx, enhanced, a.maxResults)
	if err != nil {
		return nil, err
	}

	history, err := a.threads.History(ctx, threadID)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: enhanced})

	answer, err := a.llm.Complete(ctx, llm.ChatRequest{
		System:   fmt.Sprintf(knowledgeSystemPrompt, renderDocs(docs)),
		Messages: messages,
	})
	if err != nil {
		metrics.ObserveLLMCall("query", "error")
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "knowledge query failed")
	}
	metrics.ObserveLLMCall("query", "ok")

	if err := a.threads.Append(ctx, threadID,
		llm.Message{Role: llm.RoleUser, Content: query},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	); err != nil {
		a.log.Warn("failed to persist conversation turn", "thread_id", threadID, "error", err)
	}

	var parsed struct {
		IDProject string `json:"id_project"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(answer)), &parsed); err != nil {
		return nil, xerrors.New(xerrors.CodeLLMFailure,
			fmt.Sprintf("knowledge model returned non-JSON output: %.120s", answer))
	}

	return &QueryResult{Response: answer, ProjectID: parsed.IDProject, ThreadID: threadID}, nil
}

// StrategyRecommendation asks the model for a structured allocation strategy
// matching the given risk level.
func (a *KnowledgeAgent) StrategyRecommendation(ctx context.Context, riskLevel string) (*StrategyRecommendation, error) {
	level := strings.ToLower(strings.TrimSpace(riskLevel))
	riskPrompt, err := a.prompts.ForRisk(level)
	if err != nil {
		return nil, err
	}

	docs, err := a.retriever.Search(ctx, riskPrompt.Prompt, a.maxResults)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(strategyPromptTemplate, level, riskPrompt.RebalancingStrategy, renderDocs(docs))
	raw, err := a.llm.Complete(ctx, llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		metrics.ObserveLLMCall("strategy", "error")
		return nil, xerrors.Wrap(xerrors.CodeLLMFailure, err, "strategy recommendation failed")
	}
	metrics.ObserveLLMCall("strategy", "ok")

	var rec StrategyRecommendation
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &rec); err != nil {
		return nil, xerrors.New(xerrors.CodeLLMFailure,
			fmt.Sprintf("strategy model returned non-JSON output: %.120s", raw))
	}
	rec.RiskLevel = level
	return &rec, nil
}

// Protocols returns the last indexed catalog snapshot.
func (a *KnowledgeAgent) Protocols() []knowledge.Protocol {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]knowledge.Protocol, len(a.protocols))
	copy(out, a.protocols)
	return out
}

// Close releases the thread store.
func (a *KnowledgeAgent) Close() error {
	return a.threads.Close()
}

func renderDocs(docs []knowledge.Document) string {
	if len(docs) == 0 {
		return "(no protocols indexed)"
	}
	var b strings.Builder
	for i, doc := range docs {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(doc.Content)
	}
	return b.String()
}
