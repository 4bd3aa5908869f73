package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the dispatcher over the Model Context Protocol so
// orchestration agents can drive IR without going through the REST API.
type MCPServer struct {
	dispatcher *Dispatcher
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewMCPServer creates a new MCP server instance
func NewMCPServer(dispatcher *Dispatcher) *MCPServer {
	m := &MCPServer{dispatcher: dispatcher}

	m.mcpServer = server.NewMCPServer(
		"itachd",
		Version,
		server.WithToolCapabilities(true),
	)

	m.registerTools()

	m.httpServer = server.NewStreamableHTTPServer(m.mcpServer)

	return m
}

// ServeHTTP forwards to the streamable HTTP transport.
func (m *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.httpServer.ServeHTTP(w, r)
}

// registerTools registers all available MCP tools
func (m *MCPServer) registerTools() {
	m.mcpServer.AddTool(
		mcp.NewTool("press_key",
			mcp.WithDescription("Press a named IR key on the device wired to a slot. The key is transmitted through the IR blaster port mapped to that slot."),
			mcp.WithNumber("slot",
				mcp.Description("Flat 1-based slot index identifying the IR output port"),
				mcp.Required(),
			),
			mcp.WithString("device",
				mcp.Description("Keyset device name, e.g. the set-top box model"),
				mcp.Required(),
			),
			mcp.WithString("key",
				mcp.Description("Key name within the device keyset, e.g. POWER, GUIDE, OK"),
				mcp.Required(),
			),
			mcp.WithNumber("count",
				mcp.Description("Number of times to press the key (default 1)"),
			),
		),
		m.handlePressKey,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("press_and_hold",
			mcp.WithDescription("Hold a named IR key for a duration in milliseconds, e.g. for fast-forward or volume ramps."),
			mcp.WithNumber("slot",
				mcp.Description("Flat 1-based slot index identifying the IR output port"),
				mcp.Required(),
			),
			mcp.WithString("device",
				mcp.Description("Keyset device name"),
				mcp.Required(),
			),
			mcp.WithString("key",
				mcp.Description("Key name within the device keyset"),
				mcp.Required(),
			),
			mcp.WithNumber("duration_ms",
				mcp.Description("Hold duration in milliseconds"),
				mcp.Required(),
			),
		),
		m.handlePressAndHold,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("stop_ir",
			mcp.WithDescription("Cancel any ongoing IR transmission on a slot."),
			mcp.WithNumber("slot",
				mcp.Description("Flat 1-based slot index identifying the IR output port"),
				mcp.Required(),
			),
		),
		m.handleStopIR,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("list_devices",
			mcp.WithDescription("List the device names available in the loaded keyset catalogue."),
		),
		m.handleListDevices,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("list_keys",
			mcp.WithDescription("List the key names available for one keyset device."),
			mcp.WithString("device",
				mcp.Description("Keyset device name"),
				mcp.Required(),
			),
		),
		m.handleListKeys,
	)

	m.mcpServer.AddTool(
		mcp.NewTool("get_health",
			mcp.WithDescription("Get the health of every slot: connection state, last successful exchange, consecutive failures."),
		),
		m.handleGetHealth,
	)
}

func (m *MCPServer) handlePressKey(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slot := request.GetInt("slot", 0)
	device := request.GetString("device", "")
	key := request.GetString("key", "")
	count := request.GetInt("count", 1)

	res, err := m.dispatcher.Press(ctx, slot, device, key, count)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(res)
}

func (m *MCPServer) handlePressAndHold(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slot := request.GetInt("slot", 0)
	device := request.GetString("device", "")
	key := request.GetString("key", "")
	duration := request.GetInt("duration_ms", 0)

	res, err := m.dispatcher.PressAndHold(ctx, slot, device, key, duration)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(res)
}

func (m *MCPServer) handleStopIR(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slot := request.GetInt("slot", 0)
	if err := m.dispatcher.Stop(ctx, slot); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("stopped IR on slot %d", slot)), nil
}

func (m *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResultJSON(m.dispatcher.ListDevices())
}

func (m *MCPServer) handleListKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	device := request.GetString("device", "")
	keys, err := m.dispatcher.ListKeys(device)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResultJSON(keys)
}

func (m *MCPServer) handleGetHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolResultJSON(m.dispatcher.Health())
}

func toolResultJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal data: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
