package agentic

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/movesentry/movesentry/internal/txn"
)

// Static sub-analyzers run by the investigation tools. They work on data
// already fetched (module interface, call descriptor) and never touch the
// network themselves.

var (
	maxU64  = new(big.Int).SetUint64(math.MaxUint64)
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxU256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// nearU64 is 99% of the u64 bound; amounts this close to the ceiling
	// are usually either sentinel values or overflow bait.
	nearU64 = new(big.Int).Div(new(big.Int).Mul(maxU64, big.NewInt(99)), big.NewInt(100))
)

// tinyModuleBytes marks modules small enough to be thin proxies.
const tinyModuleBytes = 256

var riskyFunctionNames = []string{
	"mint", "burn", "withdraw_all", "emergency_withdraw", "drain",
	"set_owner", "transfer_ownership", "set_admin", "add_minter",
	"grant_role", "set_operator", "upgrade", "pause", "freeze",
	"blacklist", "set_fee",
}

var adminFunctionNames = []string{
	"set_admin", "transfer_ownership", "set_owner", "add_minter",
	"grant_role", "set_operator", "assign_role", "set_capability",
}

// BytecodeReport summarizes static heuristics over a module.
type BytecodeReport struct {
	SizeBytes       int      `json:"sizeBytes"`
	EntryFunctions  int      `json:"entryFunctions"`
	PublicFunctions int      `json:"publicFunctions"`
	Flags           []string `json:"flags,omitempty"`
}

// AnalyzeBytecode runs name and shape heuristics over a fetched module.
func AnalyzeBytecode(mod *txn.ModuleInterface) *BytecodeReport {
	rep := &BytecodeReport{SizeBytes: mod.BytecodeBytes()}

	for _, fn := range mod.ExposedFunctions {
		if fn.IsEntry {
			rep.EntryFunctions++
		}
		if fn.Visibility == "public" {
			rep.PublicFunctions++
		}
		if risky := riskyName(fn.Name); risky != "" && fn.Visibility == "public" {
			rep.Flags = append(rep.Flags,
				fmt.Sprintf("public function %q matches risky pattern %q", fn.Name, risky))
		}
		if fn.GenericTypeParams > 3 {
			rep.Flags = append(rep.Flags,
				fmt.Sprintf("function %q takes %d type parameters", fn.Name, fn.GenericTypeParams))
		}
	}

	for _, st := range mod.Structs {
		if isCapabilityStruct(st) {
			rep.Flags = append(rep.Flags,
				fmt.Sprintf("storable capability struct %q", st.Name))
		}
	}

	if rep.SizeBytes > 0 && rep.SizeBytes < tinyModuleBytes {
		rep.Flags = append(rep.Flags,
			fmt.Sprintf("unusually small module (%d bytes)", rep.SizeBytes))
	}
	return rep
}

func riskyName(name string) string {
	lower := strings.ToLower(name)
	for _, risky := range riskyFunctionNames {
		if strings.Contains(lower, risky) {
			return risky
		}
	}
	return ""
}

// isCapabilityStruct reports capability-shaped structs that carry the
// store ability, meaning the capability can leave the module's control.
func isCapabilityStruct(st txn.MoveStruct) bool {
	lower := strings.ToLower(st.Name)
	if !strings.Contains(lower, "capability") && !strings.HasSuffix(lower, "cap") {
		return false
	}
	for _, ability := range st.Abilities {
		if ability == "store" {
			return true
		}
	}
	return false
}

// OverflowHit is one numeric argument near or past an integer bound.
type OverflowHit struct {
	ArgIndex int    `json:"argIndex"`
	Value    string `json:"value"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// OverflowReport lists arguments that collide with Move integer bounds.
type OverflowReport struct {
	NumericArgs int           `json:"numericArgs"`
	Hits        []OverflowHit `json:"hits,omitempty"`
}

// CheckOverflow compares every numeric argument against the u64, u128
// and u256 bounds and flags sentinel and near-bound values.
func CheckOverflow(call *txn.CallDescriptor) *OverflowReport {
	rep := &OverflowReport{}
	for i, arg := range call.Arguments {
		n, ok := arg.Big()
		if !ok {
			continue
		}
		rep.NumericArgs++

		hit := OverflowHit{ArgIndex: i, Value: n.String()}
		switch {
		case n.Sign() < 0:
			hit.Kind = "negative"
			hit.Detail = "Move integer types are unsigned; a negative argument cannot encode"
		case n.Cmp(maxU64) == 0:
			hit.Kind = "max_u64_sentinel"
			hit.Detail = "exactly u64::MAX, commonly used to mean an unlimited amount"
		case n.Cmp(maxU256) > 0:
			hit.Kind = "exceeds_u256"
			hit.Detail = "exceeds the largest Move integer type"
		case n.Cmp(maxU128) > 0:
			hit.Kind = "exceeds_u128"
			hit.Detail = "only representable as u256"
		case n.Cmp(maxU64) > 0:
			hit.Kind = "exceeds_u64"
			hit.Detail = "would abort a u64 parameter; only valid for u128/u256 slots"
		case n.Cmp(nearU64) >= 0:
			hit.Kind = "near_u64"
			hit.Detail = "within 1% of the u64 bound"
		default:
			continue
		}
		rep.Hits = append(rep.Hits, hit)
	}
	return rep
}

// PrivilegeReport describes the called function's access shape and the
// module's admin surface.
type PrivilegeReport struct {
	Function       string   `json:"function"`
	Found          bool     `json:"found"`
	Visibility     string   `json:"visibility,omitempty"`
	IsEntry        bool     `json:"isEntry"`
	AdminFunctions []string `json:"adminFunctions,omitempty"`
	Escalations    []string `json:"escalations,omitempty"`
}

// CheckPrivilege inspects the target function's visibility and flags
// privilege escalation paths exposed by the module.
func CheckPrivilege(mod *txn.ModuleInterface, functionName string) *PrivilegeReport {
	rep := &PrivilegeReport{Function: functionName}

	for _, fn := range mod.ExposedFunctions {
		if !isAdminName(fn.Name) {
			continue
		}
		rep.AdminFunctions = append(rep.AdminFunctions, fn.Name)
		if fn.Visibility == "public" && fn.IsEntry {
			rep.Escalations = append(rep.Escalations,
				fmt.Sprintf("admin function %q is a public entry point", fn.Name))
		}
	}

	target := mod.Function(functionName)
	if target == nil {
		rep.Escalations = append(rep.Escalations,
			fmt.Sprintf("function %q is not exposed by the module ABI", functionName))
		return rep
	}
	rep.Found = true
	rep.Visibility = target.Visibility
	rep.IsEntry = target.IsEntry

	if !target.IsEntry {
		rep.Escalations = append(rep.Escalations,
			fmt.Sprintf("function %q is not an entry function and cannot head a transaction", functionName))
	}
	if target.Visibility == "friend" || target.Visibility == "private" {
		rep.Escalations = append(rep.Escalations,
			fmt.Sprintf("function %q has %s visibility", functionName, target.Visibility))
	}
	if isAdminName(functionName) {
		rep.Escalations = append(rep.Escalations,
			fmt.Sprintf("call targets admin function %q directly", functionName))
	}
	for _, param := range target.Params {
		if strings.Contains(strings.ToLower(param), "signercapability") {
			rep.Escalations = append(rep.Escalations,
				fmt.Sprintf("function %q handles a SignerCapability parameter", functionName))
			break
		}
	}
	return rep
}

func isAdminName(name string) bool {
	lower := strings.ToLower(name)
	for _, admin := range adminFunctionNames {
		if strings.Contains(lower, admin) {
			return true
		}
	}
	return false
}
