package patterns

import (
	"fmt"
	"regexp"

	"github.com/movesentry/movesentry/internal/finding"
)

var (
	overflowMathPattern    = regexp.MustCompile(`(^|_)(shl|shr|lshift|rshift|wrapping_(add|sub|mul)|unchecked_(add|sub|mul))($|_)`)
	genericTransferPattern = regexp.MustCompile(`(^|_)(transfer|send|withdraw|deposit)($|_)`)
	mutableRefPattern      = regexp.MustCompile(`(^|_)(borrow_global_mut|borrow_mut|acquire_mut|get_mut)($|_)`)
)

// frameworkAddresses hold modules whose generics are constrained by the
// chain itself; generic transfers there are not suspicious.
var frameworkAddresses = map[string]bool{
	"0x1": true,
	"0x3": true,
	"0x4": true,
}

// exploitRules detect call shapes associated with contract-level bugs:
// unchecked arithmetic helpers, unconstrained generic fund movement,
// and public mutable-reference exposure.
func exploitRules() []Rule {
	return []Rule{
		{
			ID:       "exploit-overflow-math",
			Category: finding.CategoryExploit,
			Function: overflowMathPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityMedium,
					Title:       "Overflow-prone arithmetic",
					Description: fmt.Sprintf("Function %q uses shift or unchecked arithmetic primitives that are a common source of overflow bugs in Move modules.", pc.Call.Function()),
					Confidence:  0.6,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
		{
			ID:       "exploit-generic-transfer",
			Category: finding.CategoryExploit,
			Function: genericTransferPattern,
			Check: func(pc *Context) *finding.Finding {
				if len(pc.Call.TypeArguments) == 0 {
					return nil
				}
				if frameworkAddresses[pc.Call.ModuleAddress] {
					return nil
				}
				return &finding.Finding{
					Severity:       finding.SeverityHigh,
					Title:          "Unconstrained generic transfer",
					Description:    fmt.Sprintf("Function %q moves funds with caller-supplied type parameters outside the framework. Malicious type arguments can redirect value to attacker-controlled resources.", pc.Call.Function()),
					Recommendation: "Verify the module constrains its type parameters before signing.",
					Confidence:     0.65,
					Evidence: map[string]string{
						"function":  pc.Call.Function(),
						"type_args": fmt.Sprintf("%v", pc.Call.TypeArguments),
					},
				}
			},
		},
		{
			ID:       "exploit-public-mut-ref",
			Category: finding.CategoryExploit,
			Function: mutableRefPattern,
			Check: func(pc *Context) *finding.Finding {
				return &finding.Finding{
					Severity:    finding.SeverityHigh,
					Title:       "Public mutable reference exposure",
					Description: fmt.Sprintf("Function %q hands out mutable access to shared state. Callers can corrupt resources the module assumed it controlled.", pc.Call.Function()),
					Confidence:  0.6,
					Evidence: map[string]string{
						"function": pc.Call.Function(),
					},
				}
			},
		},
	}
}
