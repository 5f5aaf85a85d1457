package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "whizy-agent/internal/errors"
)

// Protocol is one entry of the yield protocol catalog served by the
// knowledge endpoint.
type Protocol struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Chain      string  `json:"chain"`
	Token      string  `json:"nameToken"`
	BaseAPY    float64 `json:"baseApy"`
	TVL        float64 `json:"tvl"`
	RiskLevel  string  `json:"riskLevel"`
	Stablecoin bool    `json:"stablecoin"`
	Active     bool    `json:"isActive"`
}

// Render flattens a protocol into the text form handed to the retriever and
// the language model.
func (p Protocol) Render() string {
	return fmt.Sprintf("Protocol ID: %s, Name: %s, Chain: %s, Token: %s, Base APY: %.2f, TVL: %.0f, Risk Level: %s, Active: %t",
		p.ID, p.Name, p.Chain, p.Token, p.BaseAPY, p.TVL, p.RiskLevel, p.Active)
}

// Fetcher downloads the protocol catalog from the configured endpoint.
type Fetcher struct {
	url        string
	httpClient *http.Client
}

// NewFetcher builds a Fetcher for the given catalog URL.
func NewFetcher(url string, timeout time.Duration) (*Fetcher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "knowledge source url is empty")
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

// Fetch retrieves and decodes the catalog.
func (f *Fetcher) Fetch(ctx context.Context) ([]Protocol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "build catalog request")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "fetch protocol catalog")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeRetrievalFailure,
			fmt.Sprintf("catalog endpoint %s returned status %d", f.url, resp.StatusCode))
	}

	var protocols []Protocol
	if err := json.NewDecoder(resp.Body).Decode(&protocols); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRetrievalFailure, err, "decode protocol catalog")
	}
	return protocols, nil
}
