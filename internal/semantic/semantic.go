// Package semantic analyzes simulated state changes by what they do to
// balances and capabilities rather than by what functions are named.
//
// Name-based rules are easy to dodge: an attacker renames drain() to
// claim_rewards() and walks past them. This analyzer only trusts the
// data: it classifies each changed resource, extracts before and after
// values exactly (amounts exceed 64 bits, so everything is big.Int),
// and derives findings from the sender's actual value flow.
package semantic

import (
	"math/big"
	"strings"
)

// ResourceClass buckets a changed resource by what it stores.
type ResourceClass string

const (
	ClassCoin      ResourceClass = "coin"
	ClassNFT       ResourceClass = "nft"
	ClassApproval  ResourceClass = "approval"
	ClassOwnership ResourceClass = "ownership"
	ClassStake     ResourceClass = "stake"
	ClassUnknown   ResourceClass = "unknown"
)

// classPatterns maps resource-path substrings to classes. First match
// wins, so more specific entries come first.
var classPatterns = []struct {
	substr string
	class  ResourceClass
}{
	{"::coin::CoinStore", ClassCoin},
	{"::fungible_asset::FungibleStore", ClassCoin},
	{"::primary_fungible_store::", ClassCoin},
	{"::token::TokenStore", ClassNFT},
	{"::token::Token", ClassNFT},
	{"::collection::", ClassNFT},
	{"::nft::", ClassNFT},
	{"Allowance", ClassApproval},
	{"Approval", ClassApproval},
	{"::approve", ClassApproval},
	{"Delegation", ClassApproval},
	{"OwnerCapability", ClassOwnership},
	{"AdminCapability", ClassOwnership},
	{"Ownership", ClassOwnership},
	{"::ownership::", ClassOwnership},
	{"StakePool", ClassStake},
	{"::stake::", ClassStake},
	{"::staking::", ClassStake},
}

// Classify assigns a resource path to a class by substring table.
func Classify(resource string) ResourceClass {
	for _, p := range classPatterns {
		if strings.Contains(resource, p.substr) {
			return p.class
		}
	}
	return ClassUnknown
}

// BalanceChange is one coin-store delta extracted from a state change.
type BalanceChange struct {
	Address  string   `json:"address"`
	Resource string   `json:"resource"`
	Before   *big.Int `json:"before"`
	After    *big.Int `json:"after"`
	// Delta is After minus Before, negative for outflows.
	Delta *big.Int `json:"delta"`
	// PctOfHoldings is |Delta| as a percentage of Before, 0 when the
	// account held nothing beforehand.
	PctOfHoldings float64 `json:"pctOfHoldings"`
}

// ApprovalScope describes how much an approval grants.
type ApprovalScope string

const (
	ScopeLimited   ApprovalScope = "limited"
	ScopeUnlimited ApprovalScope = "unlimited"
	ScopeRevoked   ApprovalScope = "revoked"
)

// ApprovalChange is a spending-permission grant or revocation.
type ApprovalChange struct {
	Resource string        `json:"resource"`
	Grantor  string        `json:"grantor"`
	Grantee  string        `json:"grantee,omitempty"`
	Scope    ApprovalScope `json:"scope"`
	Amount   *big.Int      `json:"amount,omitempty"`
}

// OwnershipChange records an owner field moving between accounts.
type OwnershipChange struct {
	Resource string `json:"resource"`
	Address  string `json:"address"`
	Previous string `json:"previous"`
	New      string `json:"new"`
}

// ResourceDestruction records a deleted resource.
type ResourceDestruction struct {
	Address  string        `json:"address"`
	Resource string        `json:"resource"`
	Class    ResourceClass `json:"class"`
}

// Result is the full semantic view of one simulated transaction.
type Result struct {
	Sender           string                `json:"sender"`
	BalanceChanges   []BalanceChange       `json:"balanceChanges,omitempty"`
	Approvals        []ApprovalChange      `json:"approvals,omitempty"`
	OwnershipChanges []OwnershipChange     `json:"ownershipChanges,omitempty"`
	Destructions     []ResourceDestruction `json:"destructions,omitempty"`

	// NetFlow is the sender's aggregate value change across all coin
	// stores. TotalLoss and TotalGain split it by direction; both are
	// non-negative.
	NetFlow   *big.Int `json:"netFlow"`
	TotalLoss *big.Int `json:"totalLoss"`
	TotalGain *big.Int `json:"totalGain"`

	// WithdrawEvents and DepositEvents count coin movement events seen
	// in the simulation, kept as corroborating evidence.
	WithdrawEvents int `json:"withdrawEvents,omitempty"`
	DepositEvents  int `json:"depositEvents,omitempty"`
}
