package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the paygate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a wallet's gateway balance. Shows available credits and any amount "+
			"currently held for in-flight calls. Defaults to your own wallet."),
	mcp.WithString("wallet",
		mcp.Description("Wallet to inspect. Omit to use the agent's wallet.")),
)

var ToolListAPIs = mcp.NewTool("list_apis",
	mcp.WithDescription(
		"List the APIs registered with the gateway, with their slug, price per call and owner. "+
			"Call one with call_api using its slug."),
)

var ToolTopUp = mcp.NewTool("top_up",
	mcp.WithDescription(
		"Add credits to a wallet. Requires the gateway admin secret when one is configured."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to credit (e.g. '10' or '0.5')")),
	mcp.WithString("wallet",
		mcp.Description("Wallet to credit. Omit to use the agent's wallet.")),
)

var ToolGetUsageStats = mcp.NewTool("get_usage_stats",
	mcp.WithDescription(
		"Get request totals and revenue across the gateway, optionally for one owner and time window."),
	mcp.WithString("owner",
		mcp.Description("Only count calls to APIs owned by this wallet")),
	mcp.WithString("time_range",
		mcp.Description("Window to count: '1h', '24h', '7d' or '30d'. Omit for all time."),
		mcp.Enum("1h", "24h", "7d", "30d")),
)

var ToolListOwnerUsage = mcp.NewTool("list_owner_usage",
	mcp.WithDescription(
		"List recent calls made to APIs owned by a wallet, newest first."),
	mcp.WithString("owner",
		mcp.Required(),
		mcp.Description("Owner wallet")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)

var ToolCallAPI = mcp.NewTool("call_api",
	mcp.WithDescription(
		"Call a registered API through the gateway, paying its per-call price from your wallet. "+
			"Calls that fail upstream with a 5xx are not charged."),
	mcp.WithString("slug",
		mcp.Required(),
		mcp.Description("Slug of the API (see list_apis)")),
	mcp.WithString("path",
		mcp.Description("Path and query after the slug, e.g. '/forecast?city=paris'")),
	mcp.WithString("method",
		mcp.Description("HTTP method (default GET)"),
		mcp.Enum("GET", "POST", "PUT", "PATCH", "DELETE")),
	mcp.WithString("body",
		mcp.Description("Request body, sent as JSON")),
)
