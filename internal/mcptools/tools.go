package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// toolTimeout bounds each tool call so a hung browser never wedges the MCP
// session.
const toolTimeout = 60 * time.Second

// targetGetTargetsResult mirrors the CDP Target.getTargets reply shape.
type targetGetTargetsResult struct {
	TargetInfos []struct {
		TargetID string `json:"targetId"`
		Type     string `json:"type"`
		Title    string `json:"title"`
		URL      string `json:"url"`
		Attached bool   `json:"attached"`
	} `json:"targetInfos"`
}

// handleListTargets enumerates targets via Target.getTargets.
func (s *Server) handleListTargets(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ListTargetsInput,
) (*gomcp.CallToolResult, ListTargetsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	raw, err := s.commander.SendCommand(ctx, "Target.getTargets", nil, "")
	if err != nil {
		return nil, ListTargetsOutput{}, fmt.Errorf("list targets: %w", err)
	}

	var result targetGetTargetsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, ListTargetsOutput{}, fmt.Errorf("parse target list: %w", err)
	}

	out := ListTargetsOutput{Targets: []TargetEntry{}}
	for _, info := range result.TargetInfos {
		if input.Type != "" && info.Type != input.Type {
			continue
		}
		out.Targets = append(out.Targets, TargetEntry{
			TargetID: info.TargetID,
			Type:     info.Type,
			Title:    info.Title,
			URL:      info.URL,
			Attached: info.Attached,
		})
	}
	out.Count = len(out.Targets)

	s.log.Debug("listed targets", "count", out.Count, "filter", input.Type)
	return nil, out, nil
}

// handleSendCommand forwards one raw CDP command.
func (s *Server) handleSendCommand(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SendCommandInput,
) (*gomcp.CallToolResult, SendCommandOutput, error) {
	if input.Method == "" {
		return nil, SendCommandOutput{}, fmt.Errorf("'method' is required")
	}

	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	var params any
	if len(input.Params) > 0 {
		params = input.Params
	}

	raw, err := s.commander.SendCommand(ctx, input.Method, params, input.SessionID)
	if err != nil {
		return nil, SendCommandOutput{}, fmt.Errorf("%s: %w", input.Method, err)
	}

	s.log.Debug("forwarded command", "method", input.Method, "sessionId", input.SessionID)
	return nil, SendCommandOutput{ResultJSON: string(raw)}, nil
}

// handleGatewayStatus reports election role and connection state.
func (s *Server) handleGatewayStatus(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GatewayStatusInput,
) (*gomcp.CallToolResult, GatewayStatusOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := s.commander.Status(ctx)
	if err != nil {
		return nil, GatewayStatusOutput{}, fmt.Errorf("gateway status: %w", err)
	}

	return nil, GatewayStatusOutput{
		Role:       status.Role,
		PID:        status.PID,
		Port:       status.Port,
		Generation: status.Generation,
		Targets:    status.Targets,
		Ready:      status.Ready,
	}, nil
}
