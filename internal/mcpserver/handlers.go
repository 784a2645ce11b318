package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeTransaction simulates and analyzes a prospective call.
func (h *Handlers) HandleAnalyzeTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	function := req.GetString("function", "")
	if function == "" {
		return mcp.NewToolResultError("function is required"), nil
	}
	network := req.GetString("network", h.client.DefaultNetwork())
	sender := req.GetString("sender", "")

	body := map[string]any{
		"network":  network,
		"function": function,
	}
	if sender != "" {
		body["sender"] = sender
	}
	args := req.GetArguments()
	if list, ok := args["type_arguments"].([]any); ok && len(list) > 0 {
		body["typeArguments"] = list
	}
	if list, ok := args["arguments"].([]any); ok && len(list) > 0 {
		body["arguments"] = list
	}

	raw, err := h.client.Analyze(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis failed: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckAddress looks up threat intelligence for an address.
func (h *Handlers) HandleCheckAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	network := req.GetString("network", h.client.DefaultNetwork())

	raw, err := h.client.CheckAddress(ctx, address, network)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reputation lookup failed: %v", err)), nil
	}

	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAnalysis fetches a stored analysis by share id.
func (h *Handlers) HandleGetAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	shareID := req.GetString("share_id", "")
	if shareID == "" {
		return mcp.NewToolResultError("share_id is required"), nil
	}

	raw, err := h.client.GetAnalysis(ctx, shareID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch analysis: %v", err)), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// analysisDoc mirrors the analysis result JSON; only the fields the text
// rendering needs.
type analysisDoc struct {
	ShareID         string       `json:"shareId"`
	Network         string       `json:"network"`
	Function        string       `json:"function"`
	Sender          string       `json:"sender"`
	Rating          string       `json:"rating"`
	Score           float64      `json:"score"`
	Findings        []findingDoc `json:"findings"`
	StagesCompleted []string     `json:"stagesCompleted"`
	Warnings        []string     `json:"warnings"`
	GasUsed         uint64       `json:"gasUsed"`
	VMError         string       `json:"vmError"`
}

type findingDoc struct {
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var doc analysisDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	if doc.Rating == "" {
		return "", fmt.Errorf("response has no rating")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s (risk score %.0f/100)\n", strings.ToUpper(doc.Rating), doc.Score)
	fmt.Fprintf(&sb, "Function: %s on %s\n", doc.Function, doc.Network)
	if doc.Sender != "" {
		fmt.Fprintf(&sb, "Sender: %s\n", doc.Sender)
	}
	if doc.VMError != "" {
		fmt.Fprintf(&sb, "Simulation aborted on-chain: %s\n", doc.VMError)
	} else if doc.GasUsed > 0 {
		fmt.Fprintf(&sb, "Simulated gas used: %d\n", doc.GasUsed)
	}

	if len(doc.Findings) == 0 {
		sb.WriteString("\nNo findings from the completed stages.\n")
	} else {
		fmt.Fprintf(&sb, "\n%d finding(s):\n\n", len(doc.Findings))
		for i, f := range doc.Findings {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, strings.ToUpper(f.Severity), f.Title)
			if f.Description != "" {
				fmt.Fprintf(&sb, "   %s\n", f.Description)
			}
			if f.Recommendation != "" {
				fmt.Fprintf(&sb, "   Recommendation: %s\n", f.Recommendation)
			}
		}
	}

	if len(doc.Warnings) > 0 {
		sb.WriteString("\nAnalysis ran with reduced coverage:\n")
		for _, w := range doc.Warnings {
			fmt.Fprintf(&sb, "  - %s\n", w)
		}
	}
	if len(doc.StagesCompleted) > 0 {
		fmt.Fprintf(&sb, "\nStages: %s\n", strings.Join(doc.StagesCompleted, ", "))
	}
	fmt.Fprintf(&sb, "Share id: %s\n", doc.ShareID)
	return sb.String(), nil
}

// reputationDoc mirrors the threat feed response JSON.
type reputationDoc struct {
	Address          string      `json:"address"`
	Network          string      `json:"network"`
	Malicious        bool        `json:"malicious"`
	Confidence       float64     `json:"confidence"`
	RiskScore        float64     `json:"riskScore"`
	Tags             []string    `json:"tags"`
	SourcesResponded int         `json:"sourcesResponded"`
	CacheHit         bool        `json:"cacheHit"`
	Sources          []sourceDoc `json:"sources"`
}

type sourceDoc struct {
	Source    string `json:"source"`
	Malicious bool   `json:"malicious"`
	Err       string `json:"error"`
}

func formatReputation(raw json.RawMessage) (string, error) {
	var doc reputationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", err
	}
	if doc.Address == "" {
		return "", fmt.Errorf("response has no address")
	}

	verdict := "CLEAN"
	if doc.Malicious {
		verdict = "MALICIOUS"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s on %s\n", verdict, doc.Address, doc.Network)
	fmt.Fprintf(&sb, "Confidence: %.0f%% | Risk score: %.0f/100\n", doc.Confidence*100, doc.RiskScore)
	if len(doc.Tags) > 0 {
		fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(doc.Tags, ", "))
	}

	if len(doc.Sources) > 0 {
		fmt.Fprintf(&sb, "Sources (%d responded):\n", doc.SourcesResponded)
		for _, s := range doc.Sources {
			status := "clean"
			switch {
			case s.Err != "":
				status = "unavailable (" + s.Err + ")"
			case s.Malicious:
				status = "malicious"
			}
			fmt.Fprintf(&sb, "  - %s: %s\n", s.Source, status)
		}
	}
	if doc.CacheHit {
		sb.WriteString("(cached result)\n")
	}
	return sb.String(), nil
}
