package threatfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// goPlusFlags are the address security indicators the API reports as
// "0"/"1" strings. Any set flag marks the address malicious.
var goPlusFlags = []string{
	"blacklist_doubt",
	"cybercrime",
	"darkweb_transactions",
	"fake_kyc",
	"financial_crime",
	"honeypot_related_address",
	"malicious_mining_activities",
	"mixer",
	"money_laundering",
	"phishing_activities",
	"sanctioned",
	"stealing_attack",
}

// GoPlus queries a GoPlus-style address security API.
type GoPlus struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGoPlus creates a GoPlus source against baseURL. apiKey may be empty
// for the public tier.
func NewGoPlus(baseURL, apiKey string) *GoPlus {
	return &GoPlus{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: sourceTimeout},
	}
}

func (g *GoPlus) Name() string { return "goplus" }

func (g *GoPlus) Weight() float64 { return 1.0 }

// Check fetches the address security record and folds the flag booleans
// into a verdict. Confidence grows with the number of set flags.
func (g *GoPlus) Check(ctx context.Context, address, network string) (*Verdict, error) {
	endpoint := fmt.Sprintf("%s/address_security/%s?chain_id=aptos", g.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("goplus returned status %d", resp.StatusCode)
	}

	var payload struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Result  map[string]string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if payload.Code != 1 {
		return nil, fmt.Errorf("goplus error %d: %s", payload.Code, payload.Message)
	}

	var hits []string
	for _, flag := range goPlusFlags {
		if payload.Result[flag] == "1" {
			hits = append(hits, flag)
		}
	}

	if len(hits) == 0 {
		return &Verdict{Confidence: 0.8}, nil
	}

	confidence := 0.6 + 0.1*float64(len(hits))
	if confidence > 0.95 {
		confidence = 0.95
	}
	risk := 25 * float64(len(hits))
	if risk > 100 {
		risk = 100
	}
	return &Verdict{
		Malicious:  true,
		Confidence: confidence,
		RiskScore:  risk,
		Tags:       hits,
	}, nil
}
