package semantic

import (
	"bytes"
	"encoding/json"
	"math"
	"math/big"
)

// Maximum representable unsigned values. An approval for exactly one of
// these is an unlimited grant; anything else, however large, is limited.
var (
	maxU64  = new(big.Int).SetUint64(math.MaxUint64)
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// isUnlimited reports whether amount equals the max u64 or u128 value.
func isUnlimited(amount *big.Int) bool {
	return amount != nil && (amount.Cmp(maxU64) == 0 || amount.Cmp(maxU128) == 0)
}

// balancePaths are the JSON locations fullnodes put coin values,
// in the order we try them.
var balancePaths = [][]string{
	{"coin", "value"},
	{"value"},
	{"data", "coin", "value"},
	{"balance"},
}

// extractBalance pulls an integer balance out of resource JSON. Returns
// false when no known path holds a parseable integer.
func extractBalance(raw json.RawMessage) (*big.Int, bool) {
	doc, ok := decodeDoc(raw)
	if !ok {
		return nil, false
	}
	for _, path := range balancePaths {
		if n, ok := lookupBig(doc, path); ok {
			return n, true
		}
	}
	return nil, false
}

// granteeFields and amountFields are the JSON keys approval resources
// use for the approved party and amount across common token standards.
var (
	granteeFields = []string{"spender", "delegate", "agent", "grantee", "to"}
	amountFields  = []string{"amount", "allowance", "approved_amount", "value"}
	ownerFields   = []string{"owner", "admin", "authority"}
)

// extractApproval reads grantee and amount from approval resource JSON.
func extractApproval(raw json.RawMessage) (grantee string, amount *big.Int, ok bool) {
	doc, found := decodeDoc(raw)
	if !found {
		return "", nil, false
	}
	for _, f := range granteeFields {
		if s, sok := lookupString(doc, []string{f}); sok {
			grantee = s
			break
		}
	}
	for _, f := range amountFields {
		if n, nok := lookupBig(doc, []string{f}); nok {
			amount = n
			break
		}
	}
	return grantee, amount, grantee != "" || amount != nil
}

// extractOwner reads the owner field from resource JSON.
func extractOwner(raw json.RawMessage) (string, bool) {
	doc, ok := decodeDoc(raw)
	if !ok {
		return "", false
	}
	for _, f := range ownerFields {
		if s, sok := lookupString(doc, []string{f}); sok {
			return s, true
		}
	}
	return "", false
}

// decodeDoc parses arbitrary resource JSON preserving large integers.
func decodeDoc(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	return doc, true
}

// lookupBig walks a key path and parses the leaf as a base-10 integer.
// Fullnodes serialize u64/u128 as strings; bare numbers also accepted.
func lookupBig(doc any, path []string) (*big.Int, bool) {
	leaf, ok := lookup(doc, path)
	if !ok {
		return nil, false
	}
	switch v := leaf.(type) {
	case string:
		n, ok := new(big.Int).SetString(v, 10)
		return n, ok && n.Sign() >= 0
	case json.Number:
		n, ok := new(big.Int).SetString(v.String(), 10)
		return n, ok && n.Sign() >= 0
	}
	return nil, false
}

// lookupString walks a key path and returns the leaf when it is a string.
func lookupString(doc any, path []string) (string, bool) {
	leaf, ok := lookup(doc, path)
	if !ok {
		return "", false
	}
	s, ok := leaf.(string)
	return s, ok && s != ""
}

func lookup(doc any, path []string) (any, bool) {
	cur := doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
