package knowledge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleCatalog() []Protocol {
	return []Protocol{
		{ID: "aave", Name: "Aave", Chain: "hedera", Token: "USDC", BaseAPY: 12.4, TVL: 1_200_000, RiskLevel: "medium", Stablecoin: true, Active: true},
		{ID: "compound", Name: "Compound", Chain: "hedera", Token: "USDC", BaseAPY: 4.8, TVL: 900_000, RiskLevel: "low", Stablecoin: true, Active: true},
		{ID: "morpho", Name: "Morpho", Chain: "hedera", Token: "USDC", BaseAPY: 6.2, TVL: 400_000, RiskLevel: "medium", Stablecoin: true, Active: false},
	}
}

func TestMemoryRetrieverSearchRanksByOverlap(t *testing.T) {
	retriever := NewMemoryRetriever()
	if err := retriever.Index(context.Background(), sampleCatalog()); err != nil {
		t.Fatalf("index catalog: %v", err)
	}

	docs, err := retriever.Search(context.Background(), "what is the APY of Aave", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(docs) == 0 {
		t.Fatalf("expected at least one document")
	}
	if docs[0].ProtocolID != "aave" {
		t.Fatalf("expected aave first, got %s", docs[0].ProtocolID)
	}
}

func TestMemoryRetrieverEmptyQueryReturnsHead(t *testing.T) {
	retriever := NewMemoryRetriever()
	if err := retriever.Index(context.Background(), sampleCatalog()); err != nil {
		t.Fatalf("index catalog: %v", err)
	}

	docs, err := retriever.Search(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestFetcherDecodesCatalog(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"aave","name":"Aave","baseApy":12.4,"isActive":true,"nameToken":"USDC"}]`))
	}))
	defer server.Close()

	fetcher, err := NewFetcher(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	protocols, err := fetcher.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(protocols) != 1 || protocols[0].ID != "aave" || protocols[0].Token != "USDC" {
		t.Fatalf("unexpected catalog: %+v", protocols)
	}
}

func TestFetcherRejectsNon200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	fetcher, err := NewFetcher(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	if _, err := fetcher.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on 502 response")
	}
}

func TestPromptCatalogDefaultsAndOverride(t *testing.T) {
	catalog := DefaultPromptCatalog()
	for _, level := range []string{"low", "medium", "high"} {
		if _, err := catalog.ForRisk(level); err != nil {
			t.Fatalf("missing default prompt for %s: %v", level, err)
		}
	}
	if _, err := catalog.ForRisk("extreme"); err == nil {
		t.Fatalf("expected error for unknown risk level")
	}

	path := filepath.Join(t.TempDir(), "prompt.json")
	payload := `[{"risk":"LOW","description":"custom","prompt":"custom prompt","rebalancing_strategy":"custom strategy"}]`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}

	loaded, err := LoadPromptCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	custom, err := loaded.ForRisk("low")
	if err != nil {
		t.Fatalf("lookup low: %v", err)
	}
	if custom.Prompt != "custom prompt" {
		t.Fatalf("expected override, got %q", custom.Prompt)
	}
	if _, err := loaded.ForRisk("high"); err != nil {
		t.Fatalf("defaults should survive partial override: %v", err)
	}
}
