// Package patterns implements the deterministic rule engine that screens
// transactions before any model is consulted.
//
// Rules are pure and independent: the engine always runs the full
// registry and concatenates results, so no rule can suppress another.
// Each rule declares cheap prefilters (function-name pattern, module
// address prefixes, minimum gas) and a predicate that inspects the full
// call context and returns at most one finding. A rule that panics is
// skipped; the engine never aborts a match pass.
package patterns

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/movesentry/movesentry/internal/finding"
	"github.com/movesentry/movesentry/internal/txn"
)

// Rule is a single detection rule in the registry.
type Rule struct {
	// ID names the rule in findings, logs, and metrics.
	ID string

	// Category assigned to any finding the rule produces.
	Category finding.Category

	// Function, when set, must match the lowercased function name for
	// the predicate to run.
	Function *regexp.Regexp

	// Modules, when non-empty, restricts the rule to calls whose module
	// address starts with one of these prefixes.
	Modules []string

	// MinGas, when non-zero, requires simulated gas usage at or above
	// this many units. Rules with MinGas never fire without effects.
	MinGas uint64

	// Check inspects the call and returns at most one finding, or nil.
	Check func(*Context) *finding.Finding
}

// applies reports whether the rule's prefilters pass for this call.
func (r *Rule) applies(pc *Context) bool {
	if r.Function != nil && !r.Function.MatchString(pc.FunctionName()) {
		return false
	}
	if len(r.Modules) > 0 {
		matched := false
		for _, prefix := range r.Modules {
			if strings.HasPrefix(pc.Call.ModuleAddress, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.MinGas > 0 && pc.GasUsed() < r.MinGas {
		return false
	}
	return true
}

// Context carries one transaction through rule evaluation. Effects may
// be nil when the transaction was not simulated.
type Context struct {
	Call    *txn.CallDescriptor
	Effects *txn.SimulatedEffects

	fnName      string
	numericArgs []*big.Int
}

// NewContext prepares a call for rule evaluation, precomputing the
// fields every rule touches.
func NewContext(call *txn.CallDescriptor, effects *txn.SimulatedEffects) *Context {
	pc := &Context{
		Call:    call,
		Effects: effects,
		fnName:  strings.ToLower(call.FunctionName),
	}
	for _, arg := range call.Arguments {
		if n, ok := arg.Big(); ok {
			pc.numericArgs = append(pc.numericArgs, n)
		}
	}
	return pc
}

// FunctionName returns the lowercased function name.
func (pc *Context) FunctionName() string { return pc.fnName }

// NumericArgs returns the call's numeric arguments in order.
func (pc *Context) NumericArgs() []*big.Int { return pc.numericArgs }

// GasUsed returns simulated gas units, or zero without effects.
func (pc *Context) GasUsed() uint64 {
	if pc.Effects == nil {
		return 0
	}
	return pc.Effects.GasUsed
}

// AnyNumericArgAbove reports whether any numeric argument exceeds the
// threshold, returning the largest offender.
func (pc *Context) AnyNumericArgAbove(threshold *big.Int) (*big.Int, bool) {
	var worst *big.Int
	for _, n := range pc.numericArgs {
		if n.Cmp(threshold) > 0 && (worst == nil || n.Cmp(worst) > 0) {
			worst = n
		}
	}
	return worst, worst != nil
}
