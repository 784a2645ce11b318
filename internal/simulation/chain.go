package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/movesentry/movesentry/internal/txn"
)

const defaultTransactionLimit = 25

type moduleResponse struct {
	Bytecode string `json:"bytecode"`
	ABI      struct {
		Address          string   `json:"address"`
		Name             string   `json:"name"`
		Friends          []string `json:"friends"`
		ExposedFunctions []struct {
			Name              string            `json:"name"`
			Visibility        string            `json:"visibility"`
			IsEntry           bool              `json:"is_entry"`
			GenericTypeParams []json.RawMessage `json:"generic_type_params"`
			Params            []string          `json:"params"`
			Return            []string          `json:"return"`
		} `json:"exposed_functions"`
		Structs []struct {
			Name      string   `json:"name"`
			Abilities []string `json:"abilities"`
			Fields    []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"fields"`
		} `json:"structs"`
	} `json:"abi"`
}

// ModuleInterface fetches a published module's ABI and bytecode.
func (c *Client) ModuleInterface(ctx context.Context, network txn.Network, address, name string) (*txn.ModuleInterface, error) {
	base, err := c.endpoint(network)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/module/%s",
		base, url.PathEscape(address), url.PathEscape(name))

	var payload moduleResponse
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	mod := &txn.ModuleInterface{
		Address:  payload.ABI.Address,
		Name:     payload.ABI.Name,
		Friends:  payload.ABI.Friends,
		Bytecode: payload.Bytecode,
	}
	if mod.Address == "" {
		mod.Address = address
	}
	if mod.Name == "" {
		mod.Name = name
	}
	for _, fn := range payload.ABI.ExposedFunctions {
		mod.ExposedFunctions = append(mod.ExposedFunctions, txn.MoveFunction{
			Name:              fn.Name,
			Visibility:        fn.Visibility,
			IsEntry:           fn.IsEntry,
			GenericTypeParams: len(fn.GenericTypeParams),
			Params:            fn.Params,
			Return:            fn.Return,
		})
	}
	for _, st := range payload.ABI.Structs {
		fields := make([]string, 0, len(st.Fields))
		for _, f := range st.Fields {
			fields = append(fields, f.Name+": "+f.Type)
		}
		mod.Structs = append(mod.Structs, txn.MoveStruct{
			Name:      st.Name,
			Abilities: st.Abilities,
			Fields:    fields,
		})
	}
	return mod, nil
}

type committedTransaction struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Hash    string `json:"hash"`
	Sender  string `json:"sender"`
	Success bool   `json:"success"`
	GasUsed string `json:"gas_used"`
	Payload struct {
		Function  string            `json:"function"`
		Arguments []json.RawMessage `json:"arguments"`
	} `json:"payload"`
}

// AccountTransactions lists an account's most recent committed user
// transactions, newest last as the fullnode returns them.
func (c *Client) AccountTransactions(ctx context.Context, network txn.Network, address string, limit int) ([]txn.AccountTransaction, error) {
	base, err := c.endpoint(network)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions?limit=%d",
		base, url.PathEscape(address), limit)

	var payload []committedTransaction
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}

	out := make([]txn.AccountTransaction, 0, len(payload))
	for _, tx := range payload {
		if tx.Type != "user_transaction" {
			continue
		}
		args := make([]string, 0, len(tx.Payload.Arguments))
		for _, raw := range tx.Payload.Arguments {
			args = append(args, argString(raw))
		}
		out = append(out, txn.AccountTransaction{
			Version:   parseUint(tx.Version),
			Hash:      tx.Hash,
			Sender:    tx.Sender,
			Function:  tx.Payload.Function,
			Success:   tx.Success,
			GasUsed:   parseUint(tx.GasUsed),
			Arguments: args,
		})
	}
	return out, nil
}

// argString renders a payload argument for display: JSON strings
// unquoted, everything else in compact JSON form.
func argString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found: %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fullnode returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
