// Package txn defines the transaction call descriptor and simulated effects
// that every analysis component consumes.
//
// A CallDescriptor is the proposed Move entry-function invocation under
// analysis. SimulatedEffects are the write-set changes and events produced by
// simulating that call against a fullnode; they are supplied by the simulation
// client and treated as read-only input everywhere downstream.
package txn

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	aptoslib "github.com/aptos-labs/aptos-go-sdk"
)

// Network identifies the Move chain a call targets.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
)

// CallDescriptor is the proposed call being analyzed. It is immutable input
// to every component; none of the analyzers mutate it.
type CallDescriptor struct {
	Network       Network  `json:"network"`
	Sender        string   `json:"sender,omitempty"`
	ModuleAddress string   `json:"moduleAddress"`
	ModuleName    string   `json:"moduleName"`
	FunctionName  string   `json:"functionName"`
	TypeArguments []string `json:"typeArguments,omitempty"`
	Arguments     []Value  `json:"arguments"`
	SimulationID  string   `json:"simulationId,omitempty"`
}

// Function returns the fully qualified function id,
// e.g. "0x1::coin::transfer".
func (c *CallDescriptor) Function() string {
	return c.ModuleAddress + "::" + c.ModuleName + "::" + c.FunctionName
}

// ParseFunction splits a fully qualified function id into its three parts.
// Addresses are normalized via the Aptos SDK so "0x1" and its 64-hex long
// form compare equal.
func ParseFunction(id string) (addr, module, fn string, err error) {
	parts := strings.Split(id, "::")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid function id %q: want addr::module::function", id)
	}
	var account aptoslib.AccountAddress
	if err := account.ParseStringRelaxed(parts[0]); err != nil {
		return "", "", "", fmt.Errorf("invalid module address %q: %w", parts[0], err)
	}
	if parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid function id %q: empty module or function name", id)
	}
	return account.String(), parts[1], parts[2], nil
}

// NormalizeAddress canonicalizes a Move account address (short or long form,
// with or without 0x). Returns an error for anything that is not an address.
func NormalizeAddress(s string) (string, error) {
	var account aptoslib.AccountAddress
	if err := account.ParseStringRelaxed(s); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return account.String(), nil
}

// ChangeKind classifies a state change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// StateChange is one entry of a simulation write set. Resource is the fully
// qualified resource path including the owning account, e.g.
// "0xabc::0x1::coin::CoinStore<0x1::aptos_coin::AptosCoin>". Before and After
// carry the raw resource payloads; either may be empty for create/delete.
type StateChange struct {
	Address  string          `json:"address"`
	Resource string          `json:"resource"`
	Kind     ChangeKind      `json:"kind"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
}

// Event is one emitted Move event.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SimulatedEffects is the ordered outcome of simulating a call. Supplied by
// the simulation client; trusted as given.
type SimulatedEffects struct {
	Changes []StateChange `json:"changes"`
	Events  []Event       `json:"events"`
	GasUsed uint64        `json:"gasUsed"`
	Success bool          `json:"success"`
	VMError string        `json:"vmError,omitempty"`
	Elapsed time.Duration `json:"-"`
}
