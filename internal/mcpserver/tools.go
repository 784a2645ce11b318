package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the MoveSentry MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeTransaction = mcp.NewTool("analyze_transaction",
	mcp.WithDescription(
		"Analyze a Move transaction before it is signed. "+
			"Simulates the call on the target network, runs pattern, semantic, threat intelligence "+
			"and AI analysis, and returns a verdict (safe/low/medium/high/critical) with findings. "+
			"Use this whenever someone asks whether a transaction is safe to sign."),
	mcp.WithString("function",
		mcp.Required(),
		mcp.Description("Fully qualified entry function id '0xaddress::module::function' (e.g. '0x1::coin::transfer')")),
	mcp.WithString("network",
		mcp.Description("Chain to analyze against: 'mainnet', 'testnet', or 'devnet'. Defaults to the server's configured network."),
		mcp.Enum("mainnet", "testnet", "devnet")),
	mcp.WithString("sender",
		mcp.Description("Sender account address (e.g. '0x1234...'). Enables per-account loss attribution.")),
	mcp.WithArray("type_arguments",
		mcp.Description("Generic type arguments in order, e.g. [\"0x1::aptos_coin::AptosCoin\"]"),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithArray("arguments",
		mcp.Description("Entry function arguments in order. Pass addresses and u64/u128 amounts as strings."),
		mcp.Items(map[string]any{"type": "string"})),
)

var ToolCheckAddress = mcp.NewTool("check_address",
	mcp.WithDescription(
		"Check an address against MoveSentry's threat intelligence: the curated denylist "+
			"plus external reputation feeds. Returns a malicious/clean verdict with confidence, "+
			"risk score, and per-source detail. Use this to vet a counterparty or contract address."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account address to check (e.g. '0x1234...')")),
	mcp.WithString("network",
		mcp.Description("Network scope for the lookup. Defaults to the server's configured network."),
		mcp.Enum("mainnet", "testnet", "devnet")),
)

var ToolGetAnalysis = mcp.NewTool("get_analysis",
	mcp.WithDescription(
		"Fetch a previously completed analysis by its share id "+
			"(the 'scan_...' id returned by analyze_transaction)."),
	mcp.WithString("share_id",
		mcp.Required(),
		mcp.Description("The analysis share id (e.g. 'scan_a1b2c3d4')")),
)
