package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *MCPServer) registerResources() {
	s.server.AddResource(
		mcp.NewResource(
			"kerneldeck://state",
			"Current tunable device state",
			mcp.WithMIMEType("application/json"),
		),
		s.handleStateResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"kerneldeck://telemetry",
			"Latest telemetry sample",
			mcp.WithMIMEType("application/json"),
		),
		s.handleTelemetryResource,
	)

	s.server.AddResource(
		mcp.NewResource(
			"kerneldeck://profiles",
			"Per-app tuning profiles",
			mcp.WithMIMEType("application/json"),
		),
		s.handleProfilesResource,
	)

	s.server.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"kerneldeck://clusters/{cluster}",
			"One CPU cluster",
		),
		s.handleClusterResource,
	)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *MCPServer) handleStateResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.app.GetTuningState())
}

func (s *MCPServer) handleTelemetryResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, s.app.GetTelemetry())
}

func (s *MCPServer) handleProfilesResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	profiles := s.app.ListProfiles()
	if profiles == nil {
		profiles = []AppProfile{}
	}
	return jsonContents(request.Params.URI, profiles)
}

// handleClusterResource serves kerneldeck://clusters/{cluster}
func (s *MCPServer) handleClusterResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := request.Params.URI
	key := strings.TrimPrefix(uri, "kerneldeck://clusters/")
	if key == "" || key == uri {
		return nil, fmt.Errorf("invalid URI format: %s", uri)
	}
	for _, c := range s.app.GetTuningState().Clusters {
		if c.Key == key {
			return jsonContents(uri, c)
		}
	}
	return nil, fmt.Errorf("cluster not found: %s", key)
}
