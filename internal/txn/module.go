package txn

import "strings"

// MoveFunction is one exposed function of a Move module's ABI.
type MoveFunction struct {
	Name              string   `json:"name"`
	Visibility        string   `json:"visibility"`
	IsEntry           bool     `json:"isEntry"`
	GenericTypeParams int      `json:"genericTypeParams"`
	Params            []string `json:"params,omitempty"`
	Return            []string `json:"return,omitempty"`
}

// MoveStruct is one struct declared by a Move module's ABI.
type MoveStruct struct {
	Name      string   `json:"name"`
	Abilities []string `json:"abilities,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

// ModuleInterface is the fetched on-chain shape of a Move module: its ABI
// plus the raw bytecode hex. Returned by the fullnode client and consumed
// by the static sub-analyzers.
type ModuleInterface struct {
	Address          string         `json:"address"`
	Name             string         `json:"name"`
	Friends          []string       `json:"friends,omitempty"`
	ExposedFunctions []MoveFunction `json:"exposedFunctions"`
	Structs          []MoveStruct   `json:"structs,omitempty"`
	Bytecode         string         `json:"-"`
}

// Function looks up an exposed function by name.
func (m *ModuleInterface) Function(name string) *MoveFunction {
	for i := range m.ExposedFunctions {
		if m.ExposedFunctions[i].Name == name {
			return &m.ExposedFunctions[i]
		}
	}
	return nil
}

// BytecodeBytes returns the module bytecode size in bytes. The fullnode
// serves bytecode as 0x-prefixed hex.
func (m *ModuleInterface) BytecodeBytes() int {
	hex := strings.TrimPrefix(m.Bytecode, "0x")
	return len(hex) / 2
}

// AccountTransaction is one historical transaction of an account, trimmed
// to the fields the investigator reasons about.
type AccountTransaction struct {
	Version   uint64   `json:"version"`
	Hash      string   `json:"hash"`
	Sender    string   `json:"sender"`
	Function  string   `json:"function,omitempty"`
	Success   bool     `json:"success"`
	GasUsed   uint64   `json:"gasUsed"`
	Arguments []string `json:"arguments,omitempty"`
}
