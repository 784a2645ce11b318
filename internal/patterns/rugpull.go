package patterns

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/movesentry/movesentry/internal/finding"
)

// Rug-pull thresholds. Amounts are raw on-chain units; fee arguments
// are interpreted as basis points.
var (
	liquidityCriticalAmount = big.NewInt(1_000_000_000)
	mintHighAmount          = big.NewInt(1_000_000_000_000)
	feeCriticalBps          = big.NewInt(1_000) // 10%
)

var (
	liquidityRemovalPattern  = regexp.MustCompile(`(^|_)(remove_liquidity|withdraw_liquidity|pull_liquidity|burn_lp)`)
	ownershipTransferPattern = regexp.MustCompile(`(^|_)(transfer_ownership|set_owner|change_owner|renounce_ownership)($|_)`)
	denylistCallPattern      = regexp.MustCompile(`(^|_)(blacklist|denylist|freeze_account|block_address)($|_)`)
	mintPattern              = regexp.MustCompile(`(^|_)mint($|_)`)
	emergencyDrainPattern    = regexp.MustCompile(`(^|_)(emergency_withdraw|emergency_exit|drain|rescue_funds|sweep)($|_)`)
	feeChangePattern         = regexp.MustCompile(`(^|_)(set|update|change)_[a-z_]*fee`)
)

// rugPullRules detect calls that let a deployer pull value out from
// under holders: liquidity removal, ownership churn, punitive account
// controls, supply inflation, and fee hikes.
func rugPullRules() []Rule {
	return []Rule{
		{
			ID:       "rugpull-liquidity-removal",
			Category: finding.CategoryRugPull,
			Function: liquidityRemovalPattern,
			Check: func(pc *Context) *finding.Finding {
				f := &finding.Finding{
					Severity:       finding.SeverityHigh,
					Title:          "Liquidity removal",
					Description:    fmt.Sprintf("Function %q withdraws pooled liquidity. If the caller controls the pool this strands remaining holders.", pc.Call.Function()),
					Recommendation: "Check whether the pool is locked or the caller is its deployer.",
					Confidence:     0.75,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
				if worst, ok := pc.AnyNumericArgAbove(liquidityCriticalAmount); ok {
					f.Severity = finding.SeverityCritical
					f.Confidence = 0.9
					f.Description = fmt.Sprintf("Function %q withdraws %s units of pooled liquidity in one call.", pc.Call.Function(), worst.String())
					f.Evidence["amount"] = worst.String()
				}
				return f
			},
		},
		{
			ID:       "rugpull-ownership-transfer",
			Category: finding.CategoryRugPull,
			Function: ownershipTransferPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Ownership transfer call",
					Description: fmt.Sprintf("Function %q reassigns module ownership. The new owner inherits every privileged capability.", pc.Call.Function()),
					Confidence:  0.7,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "rugpull-denylist-call",
			Category: finding.CategoryRugPull,
			Function: denylistCallPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Account denylist control",
					Description: fmt.Sprintf("Function %q can freeze or block individual accounts. Tokens with this control can trap holders at will.", pc.Call.Function()),
					Confidence:  0.7,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "rugpull-large-mint",
			Category: finding.CategoryRugPull,
			Function: mintPattern,
			Check: func(pc *Context) *finding.Finding {
				worst, ok := pc.AnyNumericArgAbove(mintHighAmount)
				if !ok {
					return nil
				}
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Large mint",
					Description: fmt.Sprintf("Function %q mints %s units in one call, enough to dilute existing supply.", pc.Call.Function(), worst.String()),
					Confidence:  0.8,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
						"amount":   worst.String(),
					},
				}
			},
		},
		{
			ID:       "rugpull-emergency-drain",
			Category: finding.CategoryRugPull,
			Function: emergencyDrainPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Emergency drain function",
					Description: fmt.Sprintf("Function %q is an escape hatch that moves contract funds without the usual checks.", pc.Call.Function()),
					Confidence:  0.75,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "rugpull-fee-hike",
			Category: finding.CategoryRugPull,
			Function: feeChangePattern,
			Check: func(pc *Context) *finding.Finding {
				worst, ok := pc.AnyNumericArgAbove(feeCriticalBps)
				if !ok {
					return nil
				}
				return &finding.Finding{
					Severity:    finding.SeverityCritical,
					Title:       "Hidden fee hike",
					Description: fmt.Sprintf("Function %q raises a fee parameter to %s basis points (over 10%%). Post-purchase fee hikes are a classic honeypot move.", pc.Call.Function(), worst.String()),
					Confidence:  0.85,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
						"fee_bps":  worst.String(),
					},
				}
			},
		},
	}
}
