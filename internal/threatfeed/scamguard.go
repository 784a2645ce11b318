package threatfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ScamGuard queries a community-reported scam blocklist. Community data
// is noisier than the curated feeds, so it carries a reduced weight.
type ScamGuard struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewScamGuard creates a ScamGuard source against baseURL.
func NewScamGuard(baseURL, apiKey string) *ScamGuard {
	return &ScamGuard{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: sourceTimeout},
	}
}

func (s *ScamGuard) Name() string { return "scamguard" }

func (s *ScamGuard) Weight() float64 { return 0.8 }

// Check looks the address up in the community blocklist. When the API
// does not supply its own confidence, one is derived from the report
// count.
func (s *ScamGuard) Check(ctx context.Context, address, network string) (*Verdict, error) {
	endpoint := fmt.Sprintf("%s/v1/check/%s/%s",
		s.baseURL, url.PathEscape(network), url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scamguard returned status %d", resp.StatusCode)
	}

	var payload struct {
		Listed     bool     `json:"listed"`
		Reports    int      `json:"reports"`
		Categories []string `json:"categories"`
		Confidence float64  `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if !payload.Listed {
		return &Verdict{Confidence: 0.7}, nil
	}

	confidence := payload.Confidence
	if confidence <= 0 {
		confidence = 0.5 + 0.05*float64(payload.Reports)
		if confidence > 0.95 {
			confidence = 0.95
		}
	}
	risk := 40 + 5*float64(payload.Reports)
	if risk > 100 {
		risk = 100
	}
	return &Verdict{
		Malicious:  true,
		Confidence: confidence,
		RiskScore:  risk,
		Tags:       payload.Categories,
	}, nil
}
