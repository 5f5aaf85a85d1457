// Command examples demonstrates the Go SDK against an in-process stub of the
// Whizy agent API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"whizy-agent/sdk/go/whizy"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate-risk-profile", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(whizy.RiskProfile{
			UserAddress: body["user_address"],
			Risk:        "medium",
		})
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(whizy.QueryAnswer{
			Response: []whizy.ProjectRef{{IDProject: "aave-v3"}},
			ThreadID: "thread-demo",
		})
	})
	mux.HandleFunc("/get-strategy-recommendation", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(whizy.Strategy{
			RiskLevel:            "medium",
			RecommendedProtocols: []string{"aave-v3", "morpho-blue"},
			ExpectedAPYRange:     "4% - 7%",
			RebalancingThreshold: "2% APY improvement",
		})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := whizy.NewClient(server.URL, nil)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()

	profile, err := client.GenerateRiskProfile(ctx, "0xabc", "I want yield but not sleepless nights")
	if err != nil {
		panic(err)
	}
	fmt.Printf("risk profile: %+v\n", profile)

	answer, err := client.Query(ctx, "where should I park USDC?", "", "0xabc")
	if err != nil {
		panic(err)
	}
	fmt.Printf("recommended protocol (thread %s): %s\n", answer.ThreadID, answer.Response[0].IDProject)

	strategy, err := client.StrategyRecommendation(ctx, profile.Risk)
	if err != nil {
		panic(err)
	}
	fmt.Printf("strategy: %+v\n", strategy)
}
