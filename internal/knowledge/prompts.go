package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	xerrors "whizy-agent/internal/errors"
)

// RiskPrompt describes how retrieval queries and rebalancing strategies are
// framed for one risk tolerance level.
type RiskPrompt struct {
	Risk                string `json:"risk"`
	Description         string `json:"description"`
	Prompt              string `json:"prompt"`
	RebalancingStrategy string `json:"rebalancing_strategy"`
}

// PromptCatalog maps risk levels to their prompts.
type PromptCatalog struct {
	prompts map[string]RiskPrompt
}

// DefaultPromptCatalog returns the built-in catalog used when no file is
// configured.
func DefaultPromptCatalog() *PromptCatalog {
	return newPromptCatalog([]RiskPrompt{
		{
			Risk:                "low",
			Description:         "Conservative: capital preservation first, stablecoins only.",
			Prompt:              "Focus on stablecoin protocols with established track records and high TVL. Prioritize safety over yield. Only recommend protocols with low risk levels.",
			RebalancingStrategy: "Rebalance only into stablecoin pools on audited protocols. Require at least 2% APY improvement before moving funds.",
		},
		{
			Risk:                "medium",
			Description:         "Balanced: growth with bounded drawdown, blue-chip assets allowed.",
			Prompt:              "Balance yield and safety. Consider protocols holding major assets alongside stablecoins. Prefer medium or lower risk levels with competitive APY.",
			RebalancingStrategy: "Rebalance across stablecoin and blue-chip pools when APY improvement exceeds 2%, weighting liquidity and protocol risk.",
		},
		{
			Risk:                "high",
			Description:         "Aggressive: maximum yield, tolerates volatility and smart contract risk.",
			Prompt:              "Prioritize the highest available APY regardless of asset type. Higher risk levels are acceptable if the protocol is active.",
			RebalancingStrategy: "Chase the best APY across all active protocols. Rebalance on any improvement above 2%, accepting higher-risk pools.",
		},
	})
}

// LoadPromptCatalog reads a catalog from a JSON file. The file holds an array
// of RiskPrompt entries; levels missing from the file fall back to the
// built-in defaults.
func LoadPromptCatalog(path string) (*PromptCatalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read prompt catalog")
	}

	var prompts []RiskPrompt
	if err := json.Unmarshal(content, &prompts); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse prompt catalog")
	}

	catalog := DefaultPromptCatalog()
	for _, p := range prompts {
		level := strings.ToLower(strings.TrimSpace(p.Risk))
		if level == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "prompt catalog entry missing risk level")
		}
		p.Risk = level
		catalog.prompts[level] = p
	}
	return catalog, nil
}

func newPromptCatalog(prompts []RiskPrompt) *PromptCatalog {
	c := &PromptCatalog{prompts: make(map[string]RiskPrompt, len(prompts))}
	for _, p := range prompts {
		c.prompts[p.Risk] = p
	}
	return c
}

// ForRisk looks up the prompt for a risk level.
func (c *PromptCatalog) ForRisk(level string) (RiskPrompt, error) {
	p, ok := c.prompts[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		return RiskPrompt{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("no prompt configured for risk level %q", level))
	}
	return p, nil
}

// Levels returns the configured risk levels.
func (c *PromptCatalog) Levels() []string {
	levels := make([]string, 0, len(c.prompts))
	for level := range c.prompts {
		levels = append(levels, level)
	}
	return levels
}
