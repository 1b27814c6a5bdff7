package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// registerTuningTools registers the state and tuning write tools
func (s *MCPServer) registerTuningTools() {
	// tuning_state - Read the full tunable state
	s.server.AddTool(
		mcp.NewTool("tuning_state",
			mcp.WithDescription(`Get the current tunable device state.

Returns CPU clusters (governor, min/max frequency, cores online, available
governors and frequencies), thermal profile, memory (zram, swap, VM
tunables and their bounds), I/O scheduler, TCP congestion control,
brightness, performance mode and policy toggles.

Set refresh=true to re-read everything from the device first.`),
			mcp.WithBoolean("refresh",
				mcp.Description("Re-read the device before answering (default: false)"),
			),
		),
		s.handleTuningState,
	)

	// cpu_set_governor - Change a cluster's governor
	s.server.AddTool(
		mcp.NewTool("cpu_set_governor",
			mcp.WithDescription("Set the CPU frequency governor of one cluster. The governor must be in the cluster's available list."),
			mcp.WithString("cluster",
				mcp.Required(),
				mcp.Description("Cluster key from tuning_state (e.g. little, big, prime)"),
			),
			mcp.WithString("governor",
				mcp.Required(),
				mcp.Description("Governor name (e.g. schedutil, performance)"),
			),
		),
		s.handleCPUSetGovernor,
	)

	// cpu_set_frequency - Change a cluster's frequency range
	s.server.AddTool(
		mcp.NewTool("cpu_set_frequency",
			mcp.WithDescription(`Set the min/max scaling frequency of one cluster in kHz.

Values are snapped to the nearest supported frequency (ties go to the
lower one). If min ends up above max, min is lowered to max.`),
			mcp.WithString("cluster",
				mcp.Required(),
				mcp.Description("Cluster key from tuning_state"),
			),
			mcp.WithNumber("min_khz",
				mcp.Required(),
				mcp.Description("Minimum frequency in kHz"),
			),
			mcp.WithNumber("max_khz",
				mcp.Required(),
				mcp.Description("Maximum frequency in kHz"),
			),
		),
		s.handleCPUSetFrequency,
	)

	// cpu_set_core - Hotplug one core
	s.server.AddTool(
		mcp.NewTool("cpu_set_core",
			mcp.WithDescription("Bring one CPU core online or offline. cpu0 cannot be taken offline. Taking a core offline asks for confirmation."),
			mcp.WithNumber("core",
				mcp.Required(),
				mcp.Description("Core index"),
			),
			mcp.WithBoolean("online",
				mcp.Required(),
				mcp.Description("true to bring online, false to take offline"),
			),
		),
		s.handleCPUSetCore,
	)

	// thermal_set_profile - Switch the vendor thermal profile
	s.server.AddTool(
		mcp.NewTool("thermal_set_profile",
			mcp.WithDescription("Switch the vendor thermal profile by index. Use tuning_state to list the profiles the device supports."),
			mcp.WithNumber("index",
				mcp.Required(),
				mcp.Description("Profile index"),
			),
		),
		s.handleThermalSetProfile,
	)

	// ram_set_zram - Resize zram
	s.server.AddTool(
		mcp.NewTool("ram_set_zram",
			mcp.WithDescription("Resize the zram swap device. Size is clamped to the device bounds; 0 disables zram."),
			mcp.WithNumber("size_mb",
				mcp.Required(),
				mcp.Description("zram size in MB"),
			),
			mcp.WithString("algorithm",
				mcp.Description("Compression algorithm (optional, keeps the current one when empty)"),
			),
		),
		s.handleRAMSetZram,
	)

	// ram_set_swap - Create or remove the swap file
	s.server.AddTool(
		mcp.NewTool("ram_set_swap",
			mcp.WithDescription("Create a swap file of the given size in MB, or remove it with 0. Creating a swap file writes to storage and asks for confirmation."),
			mcp.WithNumber("size_mb",
				mcp.Required(),
				mcp.Description("Swap file size in MB"),
			),
		),
		s.handleRAMSetSwap,
	)

	// ram_set_vm - VM tunables
	s.server.AddTool(
		mcp.NewTool("ram_set_vm",
			mcp.WithDescription("Set vm.swappiness (0-200), vm.dirty_ratio (1-50) and vm.min_free_kbytes. Values outside the bounds are clamped."),
			mcp.WithNumber("swappiness", mcp.Required(), mcp.Description("vm.swappiness")),
			mcp.WithNumber("dirty_ratio", mcp.Required(), mcp.Description("vm.dirty_ratio")),
			mcp.WithNumber("min_free_kbytes", mcp.Required(), mcp.Description("vm.min_free_kbytes")),
		),
		s.handleRAMSetVM,
	)

	// io_set_scheduler - Block I/O scheduler
	s.server.AddTool(
		mcp.NewTool("io_set_scheduler",
			mcp.WithDescription("Set the block I/O scheduler on every disk queue."),
			mcp.WithString("scheduler", mcp.Required(), mcp.Description("Scheduler name from tuning_state")),
		),
		s.handleIOSetScheduler,
	)

	// net_set_congestion - TCP congestion control
	s.server.AddTool(
		mcp.NewTool("net_set_congestion",
			mcp.WithDescription("Set the TCP congestion control algorithm."),
			mcp.WithString("algorithm", mcp.Required(), mcp.Description("Algorithm from tuning_state")),
		),
		s.handleNetSetCongestion,
	)

	// mode_set - Performance mode
	s.server.AddTool(
		mcp.NewTool("mode_set",
			mcp.WithDescription(`Apply a performance mode to every cluster at once.

MODES:
- battery: power-saving governors and capped clocks
- balance: default scheduler governors, full range
- performance: performance governors and the game thermal profile`),
			mcp.WithString("mode",
				mcp.Required(),
				mcp.Description("Mode name"),
			),
		),
		s.handleModeSet,
	)

	// toggle_set - Policy toggles
	s.server.AddTool(
		mcp.NewTool("toggle_set",
			mcp.WithDescription(`Turn a device policy toggle on or off.

TOGGLES: do_not_disturb, hide_heads_up, esports, touch_guard,
auto_reject_calls, lock_brightness, three_finger_swipe, call_mode`),
			mcp.WithString("name", mcp.Required(), mcp.Description("Toggle name")),
			mcp.WithBoolean("on", mcp.Required(), mcp.Description("Desired state")),
		),
		s.handleToggleSet,
	)

	// capability_recheck - Re-run a capability check
	s.server.AddTool(
		mcp.NewTool("capability_recheck",
			mcp.WithDescription(`Re-run a capability check after granting a permission on the device.

CAPABILITIES: root, brightness, refresh_rate, do_not_disturb, usage_access

Checking root again also reloads the device state when the shell comes back.`),
			mcp.WithString("name", mcp.Required(), mcp.Description("Capability name")),
		),
		s.handleCapabilityRecheck,
	)

	// apply_history - Recent applies
	s.server.AddTool(
		mcp.NewTool("apply_history",
			mcp.WithDescription("List recent configuration applies, newest first, with their outcome and log lines."),
			mcp.WithNumber("limit", mcp.Description("Maximum entries (default: 20)")),
		),
		s.handleApplyHistory,
	)
}

func stringArg(args map[string]interface{}, name string) string {
	v, _ := args[name].(string)
	return strings.TrimSpace(v)
}

func intArg(args map[string]interface{}, name string) (int, bool) {
	v, ok := args[name].(float64)
	return int(v), ok
}

func boolArg(args map[string]interface{}, name string) (bool, bool) {
	v, ok := args[name].(bool)
	return v, ok
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize result: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *MCPServer) handleTuningState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	if refresh, _ := boolArg(args, "refresh"); refresh {
		if err := s.app.RefreshState(); err != nil {
			// Partial reads still leave a usable snapshot
			state := s.app.GetTuningState()
			res, jerr := jsonResult(state)
			if jerr != nil {
				return nil, jerr
			}
			res.Content = append([]mcp.Content{mcp.NewTextContent(fmt.Sprintf("Warning: refresh incomplete: %v", err))}, res.Content...)
			return res, nil
		}
	}
	return jsonResult(s.app.GetTuningState())
}

func (s *MCPServer) handleCPUSetGovernor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	cluster := stringArg(args, "cluster")
	governor := stringArg(args, "governor")
	if cluster == "" || governor == "" {
		return errorResult("cluster and governor are required"), nil
	}
	return applyResult(s.app.SetGovernor(cluster, governor)), nil
}

func (s *MCPServer) handleCPUSetFrequency(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	cluster := stringArg(args, "cluster")
	minKHz, okMin := intArg(args, "min_khz")
	maxKHz, okMax := intArg(args, "max_khz")
	if cluster == "" || !okMin || !okMax {
		return errorResult("cluster, min_khz and max_khz are required"), nil
	}
	if minKHz <= 0 || maxKHz <= 0 {
		return errorResult("frequencies must be > 0"), nil
	}
	return applyResult(s.app.SetFrequencyRange(cluster, minKHz, maxKHz)), nil
}

func (s *MCPServer) handleCPUSetCore(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	core, ok := intArg(args, "core")
	if !ok || core < 0 {
		return errorResult("core is required and must be >= 0"), nil
	}
	online, ok := boolArg(args, "online")
	if !ok {
		return errorResult("online is required"), nil
	}

	if !online {
		confirmed, err := s.requestConfirmation(ctx, "Take CPU core offline", fmt.Sprintf("Core: cpu%d", core))
		if err != nil {
			return nil, err
		}
		if !confirmed {
			return textResult("Cancelled by user"), nil
		}
	}
	return applyResult(s.app.SetCoreOnline(core, online)), nil
}

func (s *MCPServer) handleThermalSetProfile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	index, ok := intArg(request.GetArguments(), "index")
	if !ok || index < 0 {
		return errorResult("index is required and must be >= 0"), nil
	}
	return applyResult(s.app.SetThermalProfile(index)), nil
}

func (s *MCPServer) handleRAMSetZram(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	size, ok := intArg(args, "size_mb")
	if !ok || size < 0 {
		return errorResult("size_mb is required and must be >= 0"), nil
	}
	return applyResult(s.app.SetZram(size, stringArg(args, "algorithm"))), nil
}

func (s *MCPServer) handleRAMSetSwap(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	size, ok := intArg(request.GetArguments(), "size_mb")
	if !ok || size < 0 {
		return errorResult("size_mb is required and must be >= 0"), nil
	}
	if size > 0 {
		confirmed, err := s.requestConfirmation(ctx, "Create swap file", fmt.Sprintf("Size: %d MB written to /data", size))
		if err != nil {
			return nil, err
		}
		if !confirmed {
			return textResult("Cancelled by user"), nil
		}
	}
	return applyResult(s.app.SetSwap(size)), nil
}

func (s *MCPServer) handleRAMSetVM(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	swappiness, ok1 := intArg(args, "swappiness")
	dirty, ok2 := intArg(args, "dirty_ratio")
	minFree, ok3 := intArg(args, "min_free_kbytes")
	if !ok1 || !ok2 || !ok3 {
		return errorResult("swappiness, dirty_ratio and min_free_kbytes are required"), nil
	}
	return applyResult(s.app.SetRAMTunables(swappiness, dirty, minFree)), nil
}

func (s *MCPServer) handleIOSetScheduler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduler := stringArg(request.GetArguments(), "scheduler")
	if scheduler == "" {
		return errorResult("scheduler is required"), nil
	}
	return applyResult(s.app.SetIOScheduler(scheduler)), nil
}

func (s *MCPServer) handleNetSetCongestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	algorithm := stringArg(request.GetArguments(), "algorithm")
	if algorithm == "" {
		return errorResult("algorithm is required"), nil
	}
	return applyResult(s.app.SetCongestion(algorithm)), nil
}

func (s *MCPServer) handleModeSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode := stringArg(request.GetArguments(), "mode")
	if mode == "" {
		return errorResult("mode is required"), nil
	}
	known := false
	var names []string
	for _, m := range s.app.ListModes() {
		names = append(names, string(m))
		if string(m) == mode {
			known = true
		}
	}
	if !known {
		return errorResult("unknown mode %q (available: %s)", mode, strings.Join(names, ", ")), nil
	}
	return applyResult(s.app.SetMode(mode)), nil
}

func (s *MCPServer) handleToggleSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name := stringArg(args, "name")
	on, ok := boolArg(args, "on")
	if name == "" || !ok {
		return errorResult("name and on are required"), nil
	}
	return applyResult(s.app.SetToggle(name, on)), nil
}

func (s *MCPServer) handleCapabilityRecheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := stringArg(request.GetArguments(), "name")
	if name == "" {
		return errorResult("name is required"), nil
	}
	if err := s.app.RecheckCapability(name); err != nil {
		return errorResult("recheck %s: %v", name, err), nil
	}
	return textResult(fmt.Sprintf("Capability %s re-checked", name)), nil
}

func (s *MCPServer) handleApplyHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := 20
	if l, ok := intArg(request.GetArguments(), "limit"); ok && l > 0 {
		limit = l
	}
	records, err := s.app.ListApplyHistory(limit)
	if err != nil {
		return errorResult("%v", err), nil
	}
	if len(records) == 0 {
		return textResult("No applies recorded yet"), nil
	}
	return jsonResult(records)
}
