package mcp

import "github.com/mark3labs/mcp-go/mcp"

var turnToolDef = mcp.NewTool("turn_process",
	mcp.WithDescription("Answer one customer question about a vehicle. Routes the question to a specialist, "+
		"records the exchange and returns the answer with follow-up suggestions. Never fails: storage problems "+
		"are reported through the degraded flag and handler problems through needs_human_fallback."),
	mcp.WithString("question", mcp.Required(), mcp.Description("The customer's question")),
	mcp.WithString("subject_id", mcp.Description("Vehicle identifier; \"unknown\" when omitted")),
	mcp.WithObject("snapshot", mcp.Description("Vehicle attributes: brand, model, year, price, mileage, fuel, options")),
	mcp.WithString("session_id", mcp.Description("Customer session; omit for anonymous turns")),
	mcp.WithString("conversation_id", mcp.Description("Continue this conversation when it is open")),
)

var historyToolDef = mcp.NewTool("conversation_history",
	mcp.WithDescription("Return a conversation and its most recent messages in order."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
	mcp.WithNumber("limit", mcp.Description("Messages to return (default 50, max 500)")),
)

var closeToolDef = mcp.NewTool("conversation_close",
	mcp.WithDescription("Close a conversation. Its messages are kept; new turns start a new conversation."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
)

var listToolDef = mcp.NewTool("conversation_list",
	mcp.WithDescription("List conversations, most recently active first."),
	mcp.WithString("session_id", mcp.Description("Filter by session")),
	mcp.WithString("subject_id", mcp.Description("Filter by vehicle")),
	mcp.WithBoolean("open_only", mcp.Description("Only open conversations")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Page offset")),
)

var exportToolDef = mcp.NewTool("conversation_export",
	mcp.WithDescription("Render a conversation transcript with its inferred context."),
	mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
	mcp.WithString("format", mcp.Description("markdown (default) or html"), mcp.Enum("markdown", "html")),
)

var userContextToolDef = mcp.NewTool("user_context",
	mcp.WithDescription("Aggregate a session's recent activity: capability usage, brand preferences and price buckets."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to aggregate")),
	mcp.WithString("subject_id", mcp.Description("Restrict to one vehicle")),
	mcp.WithNumber("recency_window_days", mcp.Description("Window in days (default from config)")),
)

var analyticsToolDef = mcp.NewTool("analytics_summary",
	mcp.WithDescription("Summarize conversation activity over a window."),
	mcp.WithNumber("window_days", mcp.Description("Window in days (default 30)")),
)

var capabilitiesToolDef = mcp.NewTool("capability_list",
	mcp.WithDescription("List the specialist capabilities questions can be routed to."),
)

var healthToolDef = mcp.NewTool("workflow_health",
	mcp.WithDescription("Describe the turn workflow graph."),
)
