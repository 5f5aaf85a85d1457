package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	xerrors "whizy-agent/internal/errors"
	"whizy-agent/internal/llm"
	"whizy-agent/internal/observability/metrics"
	"whizy-agent/internal/profile"
	"whizy-agent/pkg/logger"
)

const classifierSystemPrompt = `You are a financial risk analyst. You will receive a user's answers to a risk tolerance questionnaire about DeFi investing.

Classify the user's risk tolerance into exactly one of: "low", "medium", "high".

Guidance:
- "low": the user prioritizes capital preservation, prefers stablecoins and audited blue-chip protocols, and is uncomfortable with drawdowns.
- "medium": the user accepts moderate volatility in exchange for better yield and is open to a mix of established and newer protocols.
- "high": the user chases the highest yield, tolerates large drawdowns and is comfortable with newer or unaudited protocols.

Respond with ONLY a JSON object of the form {"risk": "<low|medium|high>"} and nothing else. No explanations, no markdown.`

// Classifier turns free-form questionnaire answers into a risk level and
// persists it per user.
type Classifier struct {
	llm      llm.Client
	profiles profile.Store
}

// NewClassifier wires the language model to the profile store.
func NewClassifier(client llm.Client, profiles profile.Store) (*Classifier, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "llm client is nil")
	}
	if profiles == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "profile store is nil")
	}
	return &Classifier{llm: client, profiles: profiles}, nil
}

// Classify asks the model for a risk level without persisting anything.
func (c *Classifier) Classify(ctx context.Context, answers string) (string, error) {
	answers = strings.TrimSpace(answers)
	if answers == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "questionnaire answers are empty")
	}

	raw, err := c.llm.Complete(ctx, llm.ChatRequest{
		System:   classifierSystemPrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: answers}},
	})
	if err != nil {
		metrics.ObserveLLMCall("classify", "error")
		return "", xerrors.Wrap(xerrors.CodeLLMFailure, err, "risk classification call failed")
	}
	metrics.ObserveLLMCall("classify", "ok")

	level, err := parseRiskLabel(raw)
	if err != nil {
		return "", err
	}
	return level, nil
}

// GenerateProfile classifies the answers and stores the result for the user.
// The profile is only written when the model produced a valid label.
func (c *Classifier) GenerateProfile(ctx context.Context, userAddress, answers string) (*profile.Profile, error) {
	level, err := c.Classify(ctx, answers)
	if err != nil {
		return nil, err
	}
	if err := c.profiles.Put(ctx, userAddress, level); err != nil {
		return nil, err
	}
	stored, err := c.profiles.Get(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("risk profile generated",
		"user_address", stored.UserAddress,
		"risk_level", stored.RiskLevel)
	return stored, nil
}

// parseRiskLabel extracts the {"risk": ...} object the classifier prompt asks
// for. Models occasionally wrap the JSON in a code fence, so that is stripped
// before decoding.
func parseRiskLabel(raw string) (string, error) {
	cleaned := stripCodeFence(raw)

	var payload struct {
		Risk string `json:"risk"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return "", xerrors.New(xerrors.CodeLLMFailure,
			fmt.Sprintf("classifier returned non-JSON output: %.120s", raw))
	}

	level := strings.ToLower(strings.TrimSpace(payload.Risk))
	if !profile.ValidRisk(level) {
		return "", xerrors.New(xerrors.CodeLLMFailure,
			fmt.Sprintf("classifier returned unknown risk level %q", payload.Risk))
	}
	return level, nil
}

// stripCodeFence removes a surrounding markdown code fence, if any, and
// trims to the outermost JSON object.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}
