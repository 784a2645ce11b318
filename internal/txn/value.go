package txn

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindText ValueKind = iota
	KindNumber
	KindBool
	KindList
	KindMap
)

// String returns the kind name.
func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the argument and event payload shapes a Move
// call can carry. Numbers are kept as decimal strings because u64/u128
// amounts exceed what float64 or int64 can represent without loss.
type Value struct {
	Kind ValueKind
	Text string
	Num  string
	Flag bool
	List []Value
	Map  map[string]Value
}

// Text constructs a text value.
func TextValue(s string) Value { return Value{Kind: KindText, Text: s} }

// NumberValue constructs a numeric value from a decimal string.
func NumberValue(s string) Value { return Value{Kind: KindNumber, Num: s} }

// BoolValue constructs a boolean value.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Flag: b} }

// ListValue constructs a list value.
func ListValue(items ...Value) Value { return Value{Kind: KindList, List: items} }

// MapValue constructs a map value.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// Big returns the numeric value as a big.Int. Returns (nil, false) when the
// value is not a number or does not parse as a base-10 integer.
func (v Value) Big() (*big.Int, bool) {
	if v.Kind != KindNumber {
		return nil, false
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(v.Num), 10)
	return n, ok
}

// IsAddress reports whether a text value looks like a Move account address.
func (v Value) IsAddress() bool {
	if v.Kind != KindText {
		return false
	}
	_, err := NormalizeAddress(v.Text)
	return err == nil && strings.HasPrefix(strings.TrimSpace(v.Text), "0x")
}

// AsString renders any value kind as a display string.
func (v Value) AsString() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Num
	case KindBool:
		return fmt.Sprintf("%t", v.Flag)
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.AsString()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		data, _ := json.Marshal(v)
		return string(data)
	default:
		return ""
	}
}

// MarshalJSON encodes the value in its natural JSON shape: text as string,
// number as string (to survive u64/u128 round trips), bool/list/map as-is.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindText:
		return json.Marshal(v.Text)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Flag)
	case KindList:
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes heterogeneous argument payloads. JSON numbers become
// KindNumber; strings that are pure decimal digits also become KindNumber
// because fullnode APIs encode u64/u128 amounts as strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*v = TextValue("")
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if isDecimal(s) {
			*v = NumberValue(s)
		} else {
			*v = TextValue(s)
		}
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
		return nil
	case '[':
		var items []Value
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*v = Value{Kind: KindList, List: items}
		return nil
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = Value{Kind: KindMap, Map: m}
		return nil
	default:
		// Bare JSON number. Decode via json.Number to keep full precision.
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported argument payload %s: %w", trimmed, err)
		}
		*v = NumberValue(n.String())
		return nil
	}
}

// isDecimal reports whether s consists solely of base-10 digits (with an
// optional leading minus).
func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
		if s == "" {
			return false
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
