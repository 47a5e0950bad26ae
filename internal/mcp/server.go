package mcp

import (
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/carchat/internal/config"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"turn_process": {
		def:     turnToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTurn },
	},
	"conversation_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
	"conversation_close": {
		def:     closeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleClose },
	},
	"conversation_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"conversation_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"user_context": {
		def:     userContextToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUserContext },
	},
	"analytics_summary": {
		def:     analyticsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAnalytics },
	},
	"capability_list": {
		def:     capabilitiesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCapabilities },
	},
	"workflow_health": {
		def:     healthToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHealth },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns the names that are not registered tools.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with every tool not listed in
// cfg.DisabledTools.
func NewServer(h *Handlers, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"carchat",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	disabled := make(map[string]bool, len(cfg.DisabledTools))
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for _, name := range AllToolNames() {
		if disabled[name] {
			continue
		}
		entry := toolRegistry[name]
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the tools on stdin/stdout until the client disconnects.
func Run(h *Handlers, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(h, cfg, version))
}
