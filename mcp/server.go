// Package mcp exposes the KernelDeck tuning engine as an MCP (Model Context
// Protocol) server so external AI clients can read and tune the device.
package mcp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"KernelDeck/pkg/types"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Type aliases from the shared types package
type (
	ClusterState    = types.ClusterState
	ThermalState    = types.ThermalState
	ThermalProfile  = types.ThermalProfile
	RAMConfig       = types.RAMConfig
	RAMBounds       = types.RAMBounds
	Choice          = types.Choice
	AppProfile      = types.AppProfile
	PerformanceMode = types.PerformanceMode
	TelemetrySample = types.TelemetrySample
	ApplyRecord     = types.ApplyRecord
)

// TuningSnapshot is the full tunable state returned by tuning_state
type TuningSnapshot struct {
	Clusters    []ClusterState         `json:"clusters"`
	Thermal     ThermalState           `json:"thermal"`
	RAM         RAMConfig              `json:"ram"`
	RAMBounds   RAMBounds              `json:"ramBounds"`
	IOScheduler Choice                 `json:"ioScheduler"`
	Congestion  Choice                 `json:"congestion"`
	Brightness  int                    `json:"brightness"`
	Mode        PerformanceMode        `json:"mode"`
	Toggles     map[string]bool        `json:"toggles"`
	Probes      map[string]interface{} `json:"probes,omitempty"`
}

// TunerApp is what the MCP server needs from the main application. Every
// mutation blocks until its apply completes and returns the outcome.
type TunerApp interface {
	// State
	GetTuningState() TuningSnapshot
	RefreshState() error
	ListModes() []PerformanceMode

	// CPU
	SetGovernor(cluster, governor string) ApplyRecord
	SetFrequencyRange(cluster string, minKHz, maxKHz int) ApplyRecord
	SetCoreOnline(core int, online bool) ApplyRecord

	// Thermal, memory, I/O, network
	SetThermalProfile(index int) ApplyRecord
	SetZram(sizeMB int, algorithm string) ApplyRecord
	SetSwap(sizeMB int) ApplyRecord
	SetRAMTunables(swappiness, dirtyRatio, minFreeKB int) ApplyRecord
	SetIOScheduler(scheduler string) ApplyRecord
	SetCongestion(algorithm string) ApplyRecord

	// Modes and toggles
	SetMode(mode string) ApplyRecord
	SetToggle(name string, on bool) ApplyRecord

	// Telemetry
	StartTelemetry(packageName string) error
	StopTelemetry()
	GetTelemetry() TelemetrySample

	// Per-app profiles
	ListProfiles() []AppProfile
	UpsertProfile(p AppProfile) error
	DeleteProfile(packageName string) error
	SetProfileEnabled(packageName string, enabled bool) error
	StartProfiles() error
	StopProfiles()

	// History
	ListApplyHistory(limit int) ([]ApplyRecord, error)

	// Capabilities
	RecheckCapability(name string) error

	// Utility
	GetAppVersion() string
}

// MCPServer wraps the MCP server for KernelDeck
type MCPServer struct {
	app       TunerApp
	server    *server.MCPServer
	stdio     *server.StdioServer
	mu        sync.Mutex
	isRunning bool
}

// NewMCPServer creates the server and registers every tool and resource
func NewMCPServer(app TunerApp) *MCPServer {
	mcpServer := server.NewMCPServer(
		"kerneldeck",
		app.GetAppVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithElicitation(),
		server.WithLogging(),
	)

	s := &MCPServer{
		app:    app,
		server: mcpServer,
	}
	s.registerTools()
	s.registerResources()
	return s
}

func (s *MCPServer) registerTools() {
	s.registerTuningTools()
	s.registerTelemetryTools()
	s.registerProfileTools()
}

// Start runs the server on stdio and blocks until it shuts down
func (s *MCPServer) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	return s.run()
}

// StartAsync runs the server in a goroutine
func (s *MCPServer) StartAsync() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("MCP server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.run()
	return nil
}

func (s *MCPServer) run() error {
	s.stdio = server.NewStdioServer(s.server)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintln(os.Stderr, "[MCP] KernelDeck MCP server started")
	err := s.stdio.Listen(ctx, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[MCP] Server error: %v\n", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
	return err
}

// Stop marks the server stopped. The stdio loop ends when stdin closes.
func (s *MCPServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isRunning = false
}

// IsRunning reports whether the server is running
func (s *MCPServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// requestConfirmation asks the client to confirm a disruptive change
func (s *MCPServer) requestConfirmation(ctx context.Context, operation, details string) (bool, error) {
	req := mcp.ElicitationRequest{
		Params: mcp.ElicitationParams{
			Message: fmt.Sprintf("Confirm: %s\n\n%s\n\nProceed?", operation, details),
			RequestedSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"confirm": map[string]any{
						"type":        "boolean",
						"description": "Confirm to proceed with this change",
					},
				},
				"required": []string{"confirm"},
			},
		},
	}

	result, err := s.server.RequestElicitation(ctx, req)
	if err != nil {
		return false, fmt.Errorf("failed to request confirmation: %w", err)
	}
	if result.Action != mcp.ElicitationResponseActionAccept {
		return false, nil
	}
	data, ok := result.Content.(map[string]any)
	if !ok {
		return false, fmt.Errorf("unexpected response format")
	}
	confirm, ok := data["confirm"].(bool)
	if !ok {
		return false, fmt.Errorf("invalid confirmation response")
	}
	return confirm, nil
}

// textResult wraps plain text
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}}
}

// errorResult reports a tool-level failure the client should see
func errorResult(format string, args ...interface{}) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent("Error: " + fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// applyResult renders one apply outcome. A failed apply is a tool error.
func applyResult(r ApplyRecord) *mcp.CallToolResult {
	if r.Success {
		return textResult(r.Message)
	}
	text := r.Message
	if r.Kind != "" {
		text = fmt.Sprintf("%s (%s)", r.Message, r.Kind)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}, IsError: true}
}
