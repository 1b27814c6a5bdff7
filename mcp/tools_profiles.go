package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerProfileTools registers per-app profile tools
func (s *MCPServer) registerProfileTools() {
	s.server.AddTool(
		mcp.NewTool("profile_list",
			mcp.WithDescription("List per-app tuning profiles."),
		),
		s.handleProfileList,
	)

	s.server.AddTool(
		mcp.NewTool("profile_upsert",
			mcp.WithDescription(`Create or replace the tuning profile for one app.

When the app comes to the foreground its profile is applied (governor,
thermal preset, refresh rate). Leaving it restores the previous settings.
An existing profile for the same package is replaced.`),
			mcp.WithString("package_name", mcp.Required(), mcp.Description("App package name")),
			mcp.WithString("display_name", mcp.Description("Label shown in the UI")),
			mcp.WithString("governor", mcp.Description("Governor for every cluster that supports it")),
			mcp.WithString("thermal_preset", mcp.Description("Thermal profile name")),
			mcp.WithNumber("refresh_rate", mcp.Description("Refresh rate in Hz (60, 90 or 120, as supported)")),
			mcp.WithBoolean("enabled", mcp.Description("Whether the profile is active (default: true)")),
		),
		s.handleProfileUpsert,
	)

	s.server.AddTool(
		mcp.NewTool("profile_delete",
			mcp.WithDescription("Delete the profile of one app. Deleting a missing profile does nothing."),
			mcp.WithString("package_name", mcp.Required(), mcp.Description("App package name")),
		),
		s.handleProfileDelete,
	)

	s.server.AddTool(
		mcp.NewTool("profile_set_enabled",
			mcp.WithDescription("Enable or disable one app's profile without changing its settings."),
			mcp.WithString("package_name", mcp.Required(), mcp.Description("App package name")),
			mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Desired state")),
		),
		s.handleProfileSetEnabled,
	)

	s.server.AddTool(
		mcp.NewTool("profile_monitor",
			mcp.WithDescription("Start or stop watching the foreground app. Requires usage access on the device."),
			mcp.WithBoolean("on", mcp.Required(), mcp.Description("true to start, false to stop")),
		),
		s.handleProfileMonitor,
	)
}

func (s *MCPServer) handleProfileList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles := s.app.ListProfiles()
	if len(profiles) == 0 {
		return textResult("No profiles configured"), nil
	}
	return jsonResult(profiles)
}

func (s *MCPServer) handleProfileUpsert(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	p := AppProfile{
		PackageName:   stringArg(args, "package_name"),
		DisplayName:   stringArg(args, "display_name"),
		Governor:      stringArg(args, "governor"),
		ThermalPreset: stringArg(args, "thermal_preset"),
		Enabled:       true,
	}
	if p.PackageName == "" {
		return errorResult("package_name is required"), nil
	}
	if hz, ok := intArg(args, "refresh_rate"); ok {
		p.RefreshRate = hz
	}
	if enabled, ok := boolArg(args, "enabled"); ok {
		p.Enabled = enabled
	}

	if err := s.app.UpsertProfile(p); err != nil {
		return errorResult("%v", err), nil
	}
	return textResult(fmt.Sprintf("Profile saved for %s", p.PackageName)), nil
}

func (s *MCPServer) handleProfileDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pkg := stringArg(request.GetArguments(), "package_name")
	if pkg == "" {
		return errorResult("package_name is required"), nil
	}
	if err := s.app.DeleteProfile(pkg); err != nil {
		return errorResult("%v", err), nil
	}
	return textResult(fmt.Sprintf("Profile deleted for %s", pkg)), nil
}

func (s *MCPServer) handleProfileSetEnabled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	pkg := stringArg(args, "package_name")
	enabled, ok := boolArg(args, "enabled")
	if pkg == "" || !ok {
		return errorResult("package_name and enabled are required"), nil
	}
	if err := s.app.SetProfileEnabled(pkg, enabled); err != nil {
		return errorResult("%v", err), nil
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return textResult(fmt.Sprintf("Profile for %s %s", pkg, state)), nil
}

func (s *MCPServer) handleProfileMonitor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	on, ok := boolArg(request.GetArguments(), "on")
	if !ok {
		return errorResult("on is required"), nil
	}
	if !on {
		s.app.StopProfiles()
		return textResult("Per-app profile monitoring stopped"), nil
	}
	if err := s.app.StartProfiles(); err != nil {
		return errorResult("%v", err), nil
	}
	return textResult("Per-app profile monitoring started"), nil
}
