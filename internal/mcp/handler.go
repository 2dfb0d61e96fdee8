package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// requireString extracts a required string argument from the tool request.
func requireString(request mcp.CallToolRequest, key string) (string, error) {
	val, err := request.RequireString(key)
	if err != nil || val == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return val, nil
}

// successJSON marshals data to JSON and returns it as a tool result.
func successJSON(data any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError returns a tool-level error result. The client sees it and the
// session stays open.
func toolError(format string, args ...any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
