// Package simulation talks to Aptos-style fullnode REST APIs: it
// simulates a proposed call into a write set, fetches module ABIs and
// lists recent account transactions. Simulation output is trusted as
// given; this package maps it, it does not judge it.
package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/movesentry/movesentry/internal/agentic"
	"github.com/movesentry/movesentry/internal/metrics"
	"github.com/movesentry/movesentry/internal/txn"
)

const (
	defaultTimeout   = 15 * time.Second
	expirationWindow = 10 * time.Minute

	// Placeholder gas fields; the estimate flags on the simulate call
	// make the fullnode override them.
	maxGasAmount = "100000"
	gasUnitPrice = "100"

	// Simulation requires a structurally valid but unsigned transaction.
	zeroPublicKey = "0x0000000000000000000000000000000000000000000000000000000000000000"
	zeroSignature = "0x" +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		"0000000000000000000000000000000000000000000000000000000000000000"

	// maxPreStateFetches caps the per-simulation lookups that fill in
	// pre-transaction resource values for delta computation.
	maxPreStateFetches = 16
)

var defaultEndpoints = map[txn.Network]string{
	txn.NetworkMainnet: "https://fullnode.mainnet.aptoslabs.com",
	txn.NetworkTestnet: "https://fullnode.testnet.aptoslabs.com",
	txn.NetworkDevnet:  "https://fullnode.devnet.aptoslabs.com",
}

// Client is an Aptos fullnode REST client. Safe for concurrent use.
type Client struct {
	endpoints map[txn.Network]string
	client    *http.Client
	log       *slog.Logger
}

var (
	_ agentic.ModuleSource = (*Client)(nil)
	_ agentic.ChainHistory = (*Client)(nil)
)

// New creates a fullnode client with the public endpoints per network.
func New(log *slog.Logger) *Client {
	eps := make(map[txn.Network]string, len(defaultEndpoints))
	for n, u := range defaultEndpoints {
		eps[n] = u
	}
	return &Client{
		endpoints: eps,
		client:    &http.Client{Timeout: defaultTimeout},
		log:       log,
	}
}

// WithEndpoint overrides the fullnode base URL for one network.
func (c *Client) WithEndpoint(network txn.Network, baseURL string) *Client {
	c.endpoints[network] = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) endpoint(network txn.Network) (string, error) {
	base, ok := c.endpoints[network]
	if !ok || base == "" {
		return "", fmt.Errorf("no fullnode endpoint for network %q", network)
	}
	return base, nil
}

// simulateRequest is the unsigned-transaction body the fullnode expects.
type simulateRequest struct {
	Sender                  string          `json:"sender"`
	SequenceNumber          string          `json:"sequence_number"`
	MaxGasAmount            string          `json:"max_gas_amount"`
	GasUnitPrice            string          `json:"gas_unit_price"`
	ExpirationTimestampSecs string          `json:"expiration_timestamp_secs"`
	Payload                 simulatePayload `json:"payload"`
	Signature               zeroSig         `json:"signature"`
}

type simulatePayload struct {
	Type          string      `json:"type"`
	Function      string      `json:"function"`
	TypeArguments []string    `json:"type_arguments"`
	Arguments     []txn.Value `json:"arguments"`
}

type zeroSig struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type simTransaction struct {
	Success  bool        `json:"success"`
	VMStatus string      `json:"vm_status"`
	GasUsed  string      `json:"gas_used"`
	Changes  []simChange `json:"changes"`
	Events   []simEvent  `json:"events"`
}

type simChange struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Data    struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	} `json:"data"`
	Resource string `json:"resource"`
}

type simEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Simulate runs the call on the fullnode's simulation endpoint and maps
// the resulting write set and events. Resource changes are enriched with
// their current on-chain values so downstream deltas have a before side;
// changes past the lookup cap keep an empty before, which downstream
// treats as a created resource.
func (c *Client) Simulate(ctx context.Context, call *txn.CallDescriptor) (*txn.SimulatedEffects, error) {
	start := time.Now()
	base, err := c.endpoint(call.Network)
	if err != nil {
		return nil, err
	}
	if call.Sender == "" {
		return nil, fmt.Errorf("sender required for simulation")
	}
	sender, err := txn.NormalizeAddress(call.Sender)
	if err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", call.Sender, err)
	}

	seq, err := c.sequenceNumber(ctx, base, sender)
	if err != nil {
		metrics.SimulationRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	body := simulateRequest{
		Sender:                  sender,
		SequenceNumber:          seq,
		MaxGasAmount:            maxGasAmount,
		GasUnitPrice:            gasUnitPrice,
		ExpirationTimestampSecs: strconv.FormatInt(time.Now().Add(expirationWindow).Unix(), 10),
		Payload: simulatePayload{
			Type:          "entry_function_payload",
			Function:      call.Function(),
			TypeArguments: call.TypeArguments,
			Arguments:     call.Arguments,
		},
		Signature: zeroSig{
			Type:      "ed25519_signature",
			PublicKey: zeroPublicKey,
			Signature: zeroSignature,
		},
	}

	var txs []simTransaction
	endpoint := base + "/v1/transactions/simulate?estimate_gas_unit_price=true&estimate_max_gas_amount=true"
	if err := c.postJSON(ctx, endpoint, body, &txs); err != nil {
		metrics.SimulationRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(txs) == 0 {
		metrics.SimulationRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("empty simulation response")
	}

	effects := c.mapEffects(ctx, base, &txs[0])
	effects.Elapsed = time.Since(start)

	outcome := "ok"
	if !effects.Success {
		outcome = "aborted"
	}
	metrics.SimulationRequestsTotal.WithLabelValues(outcome).Inc()
	c.log.DebugContext(ctx, "simulation complete",
		"function", call.Function(),
		"success", effects.Success,
		"changes", len(effects.Changes),
		"gas_used", effects.GasUsed,
		"elapsed_ms", effects.Elapsed.Milliseconds())
	return effects, nil
}

func (c *Client) mapEffects(ctx context.Context, base string, tx *simTransaction) *txn.SimulatedEffects {
	effects := &txn.SimulatedEffects{
		Success: tx.Success,
		GasUsed: parseUint(tx.GasUsed),
	}
	if !tx.Success {
		effects.VMError = tx.VMStatus
	}

	for _, ch := range tx.Changes {
		switch ch.Type {
		case "write_resource":
			effects.Changes = append(effects.Changes, txn.StateChange{
				Address:  ch.Address,
				Resource: ch.Data.Type,
				Kind:     txn.ChangeCreate, // promoted to modify when a before value exists
				After:    ch.Data.Data,
			})
		case "delete_resource":
			effects.Changes = append(effects.Changes, txn.StateChange{
				Address:  ch.Address,
				Resource: ch.Resource,
				Kind:     txn.ChangeDelete,
			})
		}
	}
	for _, ev := range tx.Events {
		effects.Events = append(effects.Events, txn.Event{Type: ev.Type, Data: ev.Data})
	}

	c.fillPreState(ctx, base, effects.Changes)
	return effects
}

// fillPreState fetches the current on-chain value of each changed
// resource. The simulation has not committed, so the live value is the
// before image.
func (c *Client) fillPreState(ctx context.Context, base string, changes []txn.StateChange) {
	var wg sync.WaitGroup
	fetched := 0
	for i := range changes {
		if fetched >= maxPreStateFetches {
			break
		}
		fetched++
		wg.Add(1)
		go func(ch *txn.StateChange) {
			defer wg.Done()
			before, err := c.resource(ctx, base, ch.Address, ch.Resource)
			if err != nil {
				c.log.DebugContext(ctx, "pre-state lookup failed",
					"address", ch.Address, "resource", ch.Resource, "error", err)
				return
			}
			if before == nil {
				return // resource does not exist yet: a genuine create
			}
			ch.Before = before
			if ch.Kind == txn.ChangeCreate {
				ch.Kind = txn.ChangeModify
			}
		}(&changes[i])
	}
	wg.Wait()
}

// resource returns the current value of one resource, nil when the
// account does not hold it.
func (c *Client) resource(ctx context.Context, base, address, resourceType string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/resource/%s",
		base, url.PathEscape(address), url.PathEscape(resourceType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fullnode returned status %d", resp.StatusCode)
	}

	var payload struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return payload.Data, nil
}

// sequenceNumber returns the account's next sequence number, "0" for
// accounts the fullnode has never seen.
func (c *Client) sequenceNumber(ctx context.Context, base, address string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s", base, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "0", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fullnode returned status %d", resp.StatusCode)
	}

	var payload struct {
		SequenceNumber string `json:"sequence_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode account: %w", err)
	}
	if payload.SequenceNumber == "" {
		payload.SequenceNumber = "0"
	}
	return payload.SequenceNumber, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fullnode returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseUint(s string) uint64 {
	n, _ := strconv.ParseUint(s, 10, 64)
	return n
}
