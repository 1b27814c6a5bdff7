package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTelemetryTools registers live telemetry tools
func (s *MCPServer) registerTelemetryTools() {
	// telemetry_start - Begin a sampling session
	s.server.AddTool(
		mcp.NewTool("telemetry_start",
			mcp.WithDescription(`Start live telemetry sampling.

Samples CPU frequency and load, GPU frequency and load, FPS, CPU
temperature and battery level several times per second. A failed read keeps
the last known value. Use telemetry_snapshot to read the latest sample.`),
			mcp.WithString("package_name",
				mcp.Description("Package to measure FPS for (optional, empty follows the foreground app)"),
			),
		),
		s.handleTelemetryStart,
	)

	// telemetry_stop - End the session
	s.server.AddTool(
		mcp.NewTool("telemetry_stop",
			mcp.WithDescription("Stop live telemetry sampling."),
		),
		s.handleTelemetryStop,
	)

	// telemetry_snapshot - Latest sample
	s.server.AddTool(
		mcp.NewTool("telemetry_snapshot",
			mcp.WithDescription("Get the most recent telemetry sample. Cycle 0 means no sample has been taken yet."),
		),
		s.handleTelemetrySnapshot,
	)
}

func (s *MCPServer) handleTelemetryStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pkg := stringArg(request.GetArguments(), "package_name")
	if err := s.app.StartTelemetry(pkg); err != nil {
		return errorResult("%v", err), nil
	}
	target := pkg
	if target == "" {
		target = "foreground app"
	}
	return textResult(fmt.Sprintf("Telemetry started (FPS target: %s)", target)), nil
}

func (s *MCPServer) handleTelemetryStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.app.StopTelemetry()
	return textResult("Telemetry stopped"), nil
}

func (s *MCPServer) handleTelemetrySnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.app.GetTelemetry())
}
