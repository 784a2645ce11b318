package agentic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/llm"
	"github.com/movesentry/movesentry/internal/threatfeed"
	"github.com/movesentry/movesentry/internal/txn"
)

// Tool names offered to the model.
const (
	ToolModuleInterface = "get_module_interface"
	ToolBytecode        = "analyze_bytecode"
	ToolOverflow        = "check_overflow"
	ToolPrivilege       = "check_privilege_escalation"
	ToolReputation      = "check_address_reputation"
	ToolDenylist        = "check_denylist"
	ToolRelated         = "get_related_addresses"
	ToolHistory         = "get_account_transactions"
	ToolConclude        = "conclude_analysis"
)

const (
	maxListedFunctions = 40
	defaultTxLimit     = 25
)

var moduleSchema = json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"Module address, e.g. 0x1. Defaults to the module under analysis."},"module":{"type":"string","description":"Module name, e.g. coin. Defaults to the module under analysis."}},"required":[]}`)

var addressSchema = json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"Account address to look up."}},"required":["address"]}`)

var toolCatalog = []llm.Tool{
	{
		Name:        ToolModuleInterface,
		Description: "Fetch the on-chain interface of a Move module: exposed functions with visibility and parameters, declared structs with abilities, and the bytecode size.",
		InputSchema: moduleSchema,
	},
	{
		Name:        ToolBytecode,
		Description: "Run static heuristics over a module's interface and bytecode: risky function names, storable capabilities, oversized generics, suspicious module shape.",
		InputSchema: moduleSchema,
	},
	{
		Name:        ToolOverflow,
		Description: "Check the numeric arguments of the transaction under analysis against Move integer bounds (u64/u128/u256) and known sentinel values.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	},
	{
		Name:        ToolPrivilege,
		Description: "Inspect the called function's visibility and the module's admin surface for privilege escalation paths.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"Module address. Defaults to the module under analysis."},"module":{"type":"string","description":"Module name. Defaults to the module under analysis."},"function":{"type":"string","description":"Function name. Defaults to the called function."}},"required":[]}`),
	},
	{
		Name:        ToolReputation,
		Description: "Query the aggregated threat feeds for an address: malicious flag, weighted confidence, risk score, and tags.",
		InputSchema: addressSchema,
	},
	{
		Name:        ToolDenylist,
		Description: "Check an address against the locally curated denylist.",
		InputSchema: addressSchema,
	},
	{
		Name:        ToolRelated,
		Description: "List distinct counterparty addresses seen in an account's recent transactions.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"Account address. Defaults to the transaction sender."},"limit":{"type":"integer","description":"How many recent transactions to sample, max 25."}},"required":[]}`),
	},
	{
		Name:        ToolHistory,
		Description: "Fetch an account's recent transactions: version, hash, called function, success flag and gas used.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"address":{"type":"string","description":"Account address. Defaults to the transaction sender."},"limit":{"type":"integer","description":"How many transactions to fetch, max 25."}},"required":[]}`),
	},
	{
		Name:        ToolConclude,
		Description: "Conclude the investigation with a final risk level and the list of evidenced issues. Call exactly once, when the evidence is sufficient.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"riskLevel":{"type":"string","enum":["SAFE","LOW","MEDIUM","HIGH","CRITICAL"]},"summary":{"type":"string","description":"One paragraph investigation summary."},"issues":{"type":"array","items":{"type":"object","properties":{"category":{"type":"string","enum":["exploit","rug_pull","excessive_cost","permission"]},"severity":{"type":"string","enum":["low","medium","high","critical"]},"title":{"type":"string"},"description":{"type":"string"},"recommendation":{"type":"string"},"confidence":{"type":"number"},"evidence":{"type":"string","description":"Which gathered evidence supports this issue."}},"required":["severity","title","description"]}}},"required":["riskLevel","issues"]}`),
	},
}

// runTools executes one iteration's tool requests concurrently and
// returns the result blocks in request order.
func (inv *Investigator) runTools(ctx context.Context, req *Request, uses []llm.ContentBlock, used map[string]bool, rep *Report) []llm.ContentBlock {
	results := make([]llm.ContentBlock, len(uses))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, use := range uses {
		used[use.Name] = true
		wg.Add(1)
		go func(i int, use llm.ContentBlock) {
			defer wg.Done()
			results[i] = inv.execTool(ctx, req, use, rep, &mu)
		}(i, use)
	}
	wg.Wait()
	return results
}

// execTool runs a single tool under its own timeout. Failures become a
// structured error payload in the tool result, never a loop failure.
func (inv *Investigator) execTool(ctx context.Context, req *Request, use llm.ContentBlock, rep *Report, mu *sync.Mutex) llm.ContentBlock {
	ctx, cancel := context.WithTimeout(ctx, inv.toolTimeout)
	defer cancel()

	out, err := inv.dispatch(ctx, req, use, rep, mu)
	if err != nil {
		inv.log.WarnContext(ctx, "investigation tool failed", "tool", use.Name, "error", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return llm.ToolResultBlock(use.ID, string(payload), true)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		payload, _ = json.Marshal(map[string]string{"error": err.Error()})
		return llm.ToolResultBlock(use.ID, string(payload), true)
	}
	return llm.ToolResultBlock(use.ID, string(payload), false)
}

func (inv *Investigator) dispatch(ctx context.Context, req *Request, use llm.ContentBlock, rep *Report, mu *sync.Mutex) (any, error) {
	switch use.Name {
	case ToolModuleInterface:
		return inv.toolModuleInterface(ctx, req, use.Input)
	case ToolBytecode:
		mod, err := inv.fetchModule(ctx, req, use.Input)
		if err != nil {
			return nil, err
		}
		return AnalyzeBytecode(mod), nil
	case ToolOverflow:
		return CheckOverflow(req.Call), nil
	case ToolPrivilege:
		return inv.toolPrivilege(ctx, req, use.Input)
	case ToolReputation:
		return inv.toolReputation(ctx, req, use.Input)
	case ToolDenylist:
		return inv.toolDenylist(ctx, req, use.Input)
	case ToolRelated:
		return inv.toolRelated(ctx, req, use.Input)
	case ToolHistory:
		return inv.toolHistory(ctx, req, use.Input)
	case ToolConclude:
		return inv.conclude(use.Input, rep, mu)
	}
	return nil, fmt.Errorf("unknown tool %q", use.Name)
}

type moduleArgs struct {
	Address string `json:"address"`
	Module  string `json:"module"`
}

type functionArgs struct {
	Address  string `json:"address"`
	Module   string `json:"module"`
	Function string `json:"function"`
}

type addressArgs struct {
	Address string `json:"address"`
}

type historyArgs struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

// fetchModule resolves tool input to a module reference, defaulting to
// the module under analysis, and fetches its interface.
func (inv *Investigator) fetchModule(ctx context.Context, req *Request, raw json.RawMessage) (*txn.ModuleInterface, error) {
	if inv.modules == nil {
		return nil, errors.New("module source not configured")
	}
	var args moduleArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid tool input: %w", err)
		}
	}
	if args.Address == "" {
		args.Address = req.Call.ModuleAddress
	}
	if args.Module == "" {
		args.Module = req.Call.ModuleName
	}
	addr, err := txn.NormalizeAddress(args.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid module address %q: %w", args.Address, err)
	}
	return inv.modules.ModuleInterface(ctx, req.Call.Network, addr, args.Module)
}

type moduleSummary struct {
	Address       string             `json:"address"`
	Name          string             `json:"name"`
	BytecodeBytes int                `json:"bytecodeBytes"`
	Functions     []txn.MoveFunction `json:"functions"`
	Structs       []txn.MoveStruct   `json:"structs,omitempty"`
	Truncated     bool               `json:"truncated,omitempty"`
}

func (inv *Investigator) toolModuleInterface(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	mod, err := inv.fetchModule(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	sum := moduleSummary{
		Address:       mod.Address,
		Name:          mod.Name,
		BytecodeBytes: mod.BytecodeBytes(),
		Functions:     mod.ExposedFunctions,
		Structs:       mod.Structs,
	}
	if len(sum.Functions) > maxListedFunctions {
		sum.Functions = sum.Functions[:maxListedFunctions]
		sum.Truncated = true
	}
	return sum, nil
}

func (inv *Investigator) toolPrivilege(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	var args functionArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid tool input: %w", err)
		}
	}
	if args.Function == "" {
		args.Function = req.Call.FunctionName
	}
	modInput, _ := json.Marshal(moduleArgs{Address: args.Address, Module: args.Module})
	mod, err := inv.fetchModule(ctx, req, modInput)
	if err != nil {
		return nil, err
	}
	return CheckPrivilege(mod, args.Function), nil
}

func (inv *Investigator) toolReputation(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	if inv.feed == nil {
		return nil, errors.New("threat feed not configured")
	}
	addr, err := requiredAddress(raw)
	if err != nil {
		return nil, err
	}
	resp, err := inv.feed.Query(ctx, addr, string(req.Call.Network))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":          resp.Address,
		"malicious":        resp.Malicious,
		"confidence":       resp.Confidence,
		"riskScore":        resp.RiskScore,
		"tags":             resp.Tags,
		"sourcesResponded": resp.SourcesResponded,
	}, nil
}

func (inv *Investigator) toolDenylist(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	if inv.denylist == nil {
		return nil, errors.New("denylist not configured")
	}
	addr, err := requiredAddress(raw)
	if err != nil {
		return nil, err
	}
	entry, err := inv.denylist.Get(ctx, string(req.Call.Network), addr)
	if errors.Is(err, threatfeed.ErrNotDenylisted) {
		return map[string]any{"listed": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"listed": true, "reason": entry.Reason, "addedBy": entry.AddedBy}, nil
}

func (inv *Investigator) toolRelated(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	addr, txs, err := inv.accountHistory(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":             addr,
		"relatedAddresses":    relatedAddresses(addr, txs),
		"sampledTransactions": len(txs),
	}, nil
}

func (inv *Investigator) toolHistory(ctx context.Context, req *Request, raw json.RawMessage) (any, error) {
	addr, txs, err := inv.accountHistory(ctx, req, raw)
	if err != nil {
		return nil, err
	}
	return map[string]any{"address": addr, "transactions": txs}, nil
}

func (inv *Investigator) accountHistory(ctx context.Context, req *Request, raw json.RawMessage) (string, []txn.AccountTransaction, error) {
	if inv.chain == nil {
		return "", nil, errors.New("chain history not configured")
	}
	var args historyArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", nil, fmt.Errorf("invalid tool input: %w", err)
		}
	}
	if args.Address == "" {
		args.Address = req.Call.Sender
	}
	if args.Address == "" {
		return "", nil, errors.New("address required: the transaction has no sender")
	}
	if args.Limit <= 0 || args.Limit > defaultTxLimit {
		args.Limit = defaultTxLimit
	}
	addr, err := txn.NormalizeAddress(args.Address)
	if err != nil {
		return "", nil, fmt.Errorf("invalid address %q: %w", args.Address, err)
	}
	txs, err := inv.chain.AccountTransactions(ctx, req.Call.Network, addr, args.Limit)
	if err != nil {
		return "", nil, err
	}
	return addr, txs, nil
}

// relatedAddresses collects distinct counterparty addresses appearing in
// an account's recent transactions: other senders, address-shaped
// arguments, and called module addresses.
func relatedAddresses(self string, txs []txn.AccountTransaction) []string {
	seen := make(map[string]bool)
	for _, tx := range txs {
		candidates := append([]string{tx.Sender}, tx.Arguments...)
		if i := strings.Index(tx.Function, "::"); i > 0 {
			candidates = append(candidates, tx.Function[:i])
		}
		for _, c := range candidates {
			if !strings.HasPrefix(strings.TrimSpace(c), "0x") {
				continue
			}
			norm, err := txn.NormalizeAddress(c)
			if err != nil || norm == self {
				continue
			}
			seen[norm] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func requiredAddress(raw json.RawMessage) (string, error) {
	var args addressArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("invalid tool input: %w", err)
		}
	}
	if args.Address == "" {
		return "", errors.New("address required")
	}
	addr, err := txn.NormalizeAddress(args.Address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", args.Address, err)
	}
	return addr, nil
}

type concludeArgs struct {
	RiskLevel string         `json:"riskLevel"`
	Summary   string         `json:"summary"`
	Issues    []concludeItem `json:"issues"`
}

type concludeItem struct {
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	Recommendation string  `json:"recommendation"`
	Confidence     float64 `json:"confidence"`
	Evidence       string  `json:"evidence"`
}

// conclude records the final verdict on the report. A malformed payload
// is a tool error; the model may correct itself on the next iteration.
func (inv *Investigator) conclude(raw json.RawMessage, rep *Report, mu *sync.Mutex) (any, error) {
	var args concludeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid conclusion payload: %w", err)
	}
	level := strings.ToUpper(strings.TrimSpace(args.RiskLevel))
	if level == "" {
		return nil, errors.New("riskLevel required")
	}

	findings := make([]finding.Finding, 0, len(args.Issues))
	for i, issue := range args.Issues {
		if strings.TrimSpace(issue.Title) == "" {
			continue
		}
		f := finding.Finding{
			ID:             fmt.Sprintf("agentic-%d", i+1),
			Category:       finding.NormalizeCategory(issue.Category),
			Severity:       finding.NormalizeSeverity(issue.Severity),
			Title:          issue.Title,
			Description:    issue.Description,
			Recommendation: issue.Recommendation,
			Confidence:     finding.ClampConfidence(issue.Confidence),
			Provenance:     finding.ProvenanceLLM,
		}
		if issue.Evidence != "" {
			f.Evidence = map[string]string{"investigation": issue.Evidence}
		}
		findings = append(findings, f)
	}

	mu.Lock()
	rep.Concluded = true
	rep.RiskLevel = level
	rep.Summary = args.Summary
	rep.Findings = findings
	mu.Unlock()

	return map[string]any{"recorded": true}, nil
}
