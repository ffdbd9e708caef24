package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/keeper/internal/tools"
)

// bridgeTool exposes one remote MCP tool through the local registry. The
// registered name carries the server's prefix so two servers can export
// tools with the same remote name.
type bridgeTool struct {
	server    string
	remote    mcpgo.Tool
	client    *mcpclient.Client
	name      string
	timeout   time.Duration
	connected *atomic.Bool
}

func newBridgeTool(server string, remote mcpgo.Tool, client *mcpclient.Client,
	prefix string, timeout time.Duration, connected *atomic.Bool) *bridgeTool {
	name := remote.Name
	if prefix != "" {
		name = prefix + remote.Name
	}
	return &bridgeTool{
		server:    server,
		remote:    remote,
		client:    client,
		name:      name,
		timeout:   timeout,
		connected: connected,
	}
}

func (t *bridgeTool) Name() string { return t.name }

func (t *bridgeTool) Description() string {
	if t.remote.Description != "" {
		return t.remote.Description
	}
	return fmt.Sprintf("remote tool %s on MCP server %s", t.remote.Name, t.server)
}

func (t *bridgeTool) Parameters() map[string]interface{} {
	p := map[string]interface{}{"type": "object"}
	if t.remote.InputSchema.Type != "" {
		p["type"] = t.remote.InputSchema.Type
	}
	if len(t.remote.InputSchema.Properties) > 0 {
		p["properties"] = t.remote.InputSchema.Properties
	}
	if len(t.remote.InputSchema.Required) > 0 {
		p["required"] = t.remote.InputSchema.Required
	}
	return p
}

func (t *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is disconnected", t.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.remote.Name
	req.Params.Arguments = args

	res, err := t.client.CallTool(callCtx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP call %s failed: %v", t.remote.Name, err)).WithError(err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", t.remote.Name)
		}
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// flattenContent joins the text blocks of an MCP result. Non-text blocks
// (images, embedded resources) are noted but not inlined.
func flattenContent(blocks []mcpgo.Content) string {
	var sb strings.Builder
	for _, c := range blocks {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("(non-text content omitted)")
	}
	return sb.String()
}
