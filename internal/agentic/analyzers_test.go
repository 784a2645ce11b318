package agentic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/movesentry/movesentry/internal/txn"
)

func sampleModule() *txn.ModuleInterface {
	return &txn.ModuleInterface{
		Address:  "0xbad",
		Name:     "vault",
		Bytecode: "0x" + strings.Repeat("ab", 100),
		ExposedFunctions: []txn.MoveFunction{
			{Name: "deposit", Visibility: "public", IsEntry: true, Params: []string{"&signer", "u64"}},
			{Name: "mint_to", Visibility: "public", IsEntry: true},
			{Name: "sweep", Visibility: "private"},
			{Name: "route", Visibility: "public", GenericTypeParams: 5},
			{Name: "set_owner", Visibility: "public", IsEntry: true},
		},
		Structs: []txn.MoveStruct{
			{Name: "MintCap", Abilities: []string{"key", "store"}},
			{Name: "Vault", Abilities: []string{"key"}},
		},
	}
}

func TestAnalyzeBytecode(t *testing.T) {
	rep := AnalyzeBytecode(sampleModule())

	assert.Equal(t, 100, rep.SizeBytes)
	assert.Equal(t, 3, rep.EntryFunctions)
	assert.Equal(t, 4, rep.PublicFunctions)
	assert.Equal(t, []string{
		`public function "mint_to" matches risky pattern "mint"`,
		`function "route" takes 5 type parameters`,
		`public function "set_owner" matches risky pattern "set_owner"`,
		`storable capability struct "MintCap"`,
		`unusually small module (100 bytes)`,
	}, rep.Flags)
}

func TestAnalyzeBytecode_QuietModule(t *testing.T) {
	mod := &txn.ModuleInterface{
		Address:  "0x1",
		Name:     "coin",
		Bytecode: "0x" + strings.Repeat("ab", 4096),
		ExposedFunctions: []txn.MoveFunction{
			{Name: "transfer", Visibility: "public", IsEntry: true},
			{Name: "balance", Visibility: "public"},
		},
	}

	rep := AnalyzeBytecode(mod)

	assert.Equal(t, 4096, rep.SizeBytes)
	assert.Empty(t, rep.Flags)
}

func TestCheckOverflow(t *testing.T) {
	call := &txn.CallDescriptor{
		Arguments: []txn.Value{
			txn.TextValue("0xb0b"), // address, not numeric
			txn.NumberValue("1000000"),
			txn.NumberValue("18446744073709551615"), // u64::MAX
			txn.NumberValue("18446744073709551616"), // u64::MAX + 1
			txn.NumberValue("340282366920938463463374607431768211456"), // 2^128
			txn.NumberValue("18300000000000000000"),                    // just under u64::MAX
			txn.NumberValue("-5"),
		},
	}

	rep := CheckOverflow(call)

	assert.Equal(t, 6, rep.NumericArgs)
	require.Len(t, rep.Hits, 5)
	kinds := make([]string, len(rep.Hits))
	for i, h := range rep.Hits {
		kinds[i] = h.Kind
	}
	assert.Equal(t, []string{"max_u64_sentinel", "exceeds_u64", "exceeds_u128", "near_u64", "negative"}, kinds)
	assert.Equal(t, 2, rep.Hits[0].ArgIndex)
	assert.Contains(t, rep.Hits[0].Detail, "unlimited")
}

func TestCheckOverflow_CleanArguments(t *testing.T) {
	call := &txn.CallDescriptor{
		Arguments: []txn.Value{txn.NumberValue("1000"), txn.BoolValue(true)},
	}

	rep := CheckOverflow(call)

	assert.Equal(t, 1, rep.NumericArgs)
	assert.Empty(t, rep.Hits)
}

func TestCheckPrivilege_PrivateFunction(t *testing.T) {
	rep := CheckPrivilege(sampleModule(), "sweep")

	assert.True(t, rep.Found)
	assert.Equal(t, "private", rep.Visibility)
	assert.False(t, rep.IsEntry)
	assert.Equal(t, []string{"set_owner"}, rep.AdminFunctions)
	assert.Contains(t, rep.Escalations, `admin function "set_owner" is a public entry point`)
	assert.Contains(t, rep.Escalations, `function "sweep" is not an entry function and cannot head a transaction`)
	assert.Contains(t, rep.Escalations, `function "sweep" has private visibility`)
}

func TestCheckPrivilege_DirectAdminCall(t *testing.T) {
	rep := CheckPrivilege(sampleModule(), "set_owner")

	assert.True(t, rep.Found)
	assert.Contains(t, rep.Escalations, `call targets admin function "set_owner" directly`)
}

func TestCheckPrivilege_UnknownFunction(t *testing.T) {
	rep := CheckPrivilege(sampleModule(), "nonexistent")

	assert.False(t, rep.Found)
	assert.Contains(t, rep.Escalations, `function "nonexistent" is not exposed by the module ABI`)
}

func TestCheckPrivilege_SignerCapabilityParam(t *testing.T) {
	mod := &txn.ModuleInterface{
		Address: "0xbad",
		Name:    "delegator",
		ExposedFunctions: []txn.MoveFunction{
			{Name: "delegate", Visibility: "public", IsEntry: true, Params: []string{"&signer", "0x1::account::SignerCapability"}},
		},
	}

	rep := CheckPrivilege(mod, "delegate")

	assert.Contains(t, rep.Escalations, `function "delegate" handles a SignerCapability parameter`)
}
