package pipeline

import (
	"fmt"
	"strings"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/semantic"
)

const triageSystem = `You are the fast triage step of a Move transaction security analyzer. Classify the proposed transaction from its call and simulated effects.

Respond with only a JSON object:
{"classification": "safe" | "suspicious" | "dangerous" | "needs_analysis", "confidence": <0.0-1.0>, "reason": "<one sentence>", "category": "exploit" | "rug_pull" | "excessive_cost" | "permission"}

Use "safe" only when the simulated effects are fully explained by the function's stated purpose. Use "dangerous" when the effects indicate theft, drain, or an irreversible control change, and pick the best-fitting category. Use "needs_analysis" when the call is too unusual to judge quickly.`

const structuredSystem = `You are the structured reasoning step of a Move transaction security analyzer. Work through the transaction in five steps:

1. Functionality: what does the called function claim to do?
2. State effects: what do the simulated changes show actually happening?
3. Value flow: who gains and who loses, in which assets?
4. Risk: which concrete risks follow for the sender?
5. Confidence: how certain are you, given what the simulation shows?

Respond with only a JSON object:
{"findings": [{"category": "exploit" | "rug_pull" | "excessive_cost" | "permission", "severity": "low" | "medium" | "high" | "critical", "title": "...", "description": "...", "recommendation": "...", "confidence": <0.0-1.0>}], "confidence": <0.0-1.0>, "needsDeepAnalysis": <bool>, "summary": "..."}

Report only risks supported by the call or its simulated effects, and do not repeat findings listed as already known. Set needsDeepAnalysis when the transaction deserves adversarial scrutiny you cannot complete here.`

const deepSystem = `You are the deep analysis step of a Move transaction security analyzer, invoked for transactions already flagged as risky or high-value. Reason adversarially: assume the contract author may be hostile and look for the attack that the surface behavior conceals.

Respond with only a JSON object:
{"findings": [{"category": "exploit" | "rug_pull" | "excessive_cost" | "permission", "severity": "low" | "medium" | "high" | "critical", "title": "...", "description": "...", "recommendation": "...", "confidence": <0.0-1.0>, "attackScenario": "<step by step narrative of how the attack plays out>"}], "confidence": <0.0-1.0>, "summary": "..."}

Every finding must include its attackScenario narrative. Do not repeat findings listed as already known.`

// maxPromptEvents caps how many raw event types a prompt lists.
const maxPromptEvents = 12

// RenderCall formats the transaction for a stage prompt. known lists
// findings from earlier analyzers so the model can avoid restating them.
func RenderCall(in *Input, known []finding.Finding) string {
	var b strings.Builder
	call := in.Call

	fmt.Fprintf(&b, "Network: %s\n", call.Network)
	fmt.Fprintf(&b, "Function: %s\n", call.Function())
	if len(call.TypeArguments) > 0 {
		fmt.Fprintf(&b, "Type arguments: %s\n", strings.Join(call.TypeArguments, ", "))
	}
	if call.Sender != "" {
		fmt.Fprintf(&b, "Sender: %s\n", shortAddr(call.Sender))
	}
	if len(call.Arguments) > 0 {
		b.WriteString("Arguments:\n")
		for i, arg := range call.Arguments {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, arg.AsString())
		}
	}

	if fx := in.Effects; fx != nil {
		fmt.Fprintf(&b, "Simulated gas used: %d\n", fx.GasUsed)
		if !fx.Success {
			fmt.Fprintf(&b, "Simulation aborted: %s\n", fx.VMError)
		}
		if len(fx.Events) > 0 {
			b.WriteString("Emitted events:\n")
			for i, ev := range fx.Events {
				if i == maxPromptEvents {
					fmt.Fprintf(&b, "  ... and %d more\n", len(fx.Events)-i)
					break
				}
				fmt.Fprintf(&b, "  - %s\n", ev.Type)
			}
		}
	}

	if sem := in.Semantic; sem != nil {
		renderSemantic(&b, sem)
	}

	if in.EstimatedUSD > 0 {
		fmt.Fprintf(&b, "Estimated value at risk: $%.2f\n", in.EstimatedUSD)
	}

	if len(known) > 0 {
		b.WriteString("Already known findings (do not repeat):\n")
		for i := range known {
			fmt.Fprintf(&b, "  - [%s/%s] %s\n", known[i].Category, known[i].Severity, known[i].Title)
		}
	}

	return b.String()
}

func renderSemantic(b *strings.Builder, sem *semantic.Result) {
	if len(sem.BalanceChanges) > 0 {
		b.WriteString("Balance changes:\n")
		for _, bc := range sem.BalanceChanges {
			fmt.Fprintf(b, "  %s holds %s: %s units", shortAddr(bc.Address), bc.Resource, bc.Delta)
			if bc.PctOfHoldings > 0 {
				fmt.Fprintf(b, " (%.1f%% of prior holdings)", bc.PctOfHoldings)
			}
			b.WriteByte('\n')
		}
	}
	for _, ap := range sem.Approvals {
		fmt.Fprintf(b, "Approval: %s grants %s on %s, scope %s", shortAddr(ap.Grantor), shortAddr(ap.Grantee), ap.Resource, ap.Scope)
		if ap.Amount != nil {
			fmt.Fprintf(b, ", amount %s", ap.Amount)
		}
		b.WriteByte('\n')
	}
	for _, oc := range sem.OwnershipChanges {
		fmt.Fprintf(b, "Ownership change: %s at %s moves %s -> %s\n",
			oc.Resource, shortAddr(oc.Address), shortAddr(oc.Previous), shortAddr(oc.New))
	}
	for _, d := range sem.Destructions {
		fmt.Fprintf(b, "Resource destroyed: %s at %s\n", d.Resource, shortAddr(d.Address))
	}
	if sem.TotalLoss != nil && sem.TotalLoss.Sign() > 0 {
		fmt.Fprintf(b, "Sender loses %s units in total (gains %s)\n", sem.TotalLoss, sem.TotalGain)
	}
	if sem.WithdrawEvents+sem.DepositEvents > 0 {
		fmt.Fprintf(b, "Coin events: %d withdraw, %d deposit\n", sem.WithdrawEvents, sem.DepositEvents)
	}
}

// shortAddr shortens long-form addresses for prompt readability; short
// and special addresses pass through unchanged.
func shortAddr(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + ".." + addr[len(addr)-6:]
}
