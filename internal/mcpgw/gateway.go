// Package mcpgw exposes the command catalog over MCP (Model Context
// Protocol) JSON-RPC 2.0.
//
// The gateway is a direct tool surface: tools/call invokes the adapter
// without creating journal records or passing the approval gate. The
// audited path is the /command API. Deployments that want the gateway to
// honor the gate for dangerous commands set OPSGATE_MCP_HIGH_RISK=deny,
// which hides high-risk commands from discovery and refuses calls to them.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/pkg/models"
)

// HighRiskDeny is the OPSGATE_MCP_HIGH_RISK value that keeps high-risk
// commands off the gateway entirely.
const HighRiskDeny = "deny"

// Gateway serves the MCP discovery and invocation methods.
type Gateway struct {
	catalog  *catalog.Catalog
	adapter  adapter.Adapter
	creds    *credentials.Resolver
	version  string
	highRisk string
}

// NewGateway creates a gateway over the given catalog and adapter.
// highRisk is the OPSGATE_MCP_HIGH_RISK mode ("allow" or "deny").
func NewGateway(cat *catalog.Catalog, ad adapter.Adapter, creds *credentials.Resolver, version, highRisk string) *Gateway {
	return &Gateway{
		catalog:  cat,
		adapter:  ad,
		creds:    creds,
		version:  version,
		highRisk: highRisk,
	}
}

// HandleJSONRPC processes one MCP JSON-RPC 2.0 request. A nil response
// means the request was a notification and gets no body.
func (gw *Gateway) HandleJSONRPC(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	case "initialize":
		return gw.handleInitialize(req)

	case "tools/list":
		return gw.handleToolsList(req)

	case "tools/call":
		return gw.handleToolsCall(ctx, req)

	case "notifications/initialized":
		log.Debug().Msg("MCP client initialized")
		return nil // notifications are one-way

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	default:
		return errResponse(req.ID, -32601, "Method not found",
			fmt.Sprintf("Method '%s' is not supported by the MCP gateway", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]bool{
					// The catalog is immutable after load.
					"listChanged": false,
				},
			},
			"serverInfo": map[string]string{
				"name":    "opsgate",
				"version": gw.version,
			},
		},
		ID: req.ID,
	}
}

// handleToolsList exposes the catalog commands as MCP tools.
func (gw *Gateway) handleToolsList(req *models.MCPRequest) *models.MCPResponse {
	entries := gw.catalog.Entries()
	tools := make([]models.MCPToolInfo, 0, len(entries))
	for _, e := range entries {
		if e.Risk == models.RiskHigh && gw.highRisk == HighRiskDeny {
			continue
		}
		tools = append(tools, models.MCPToolInfo{
			Name:        e.Name,
			Description: describeEntry(e),
			InputSchema: buildSchema(e),
		})
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]interface{}{
			"tools": tools,
		},
		ID: req.ID,
	}
}

func (gw *Gateway) handleToolsCall(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	entry, ok := gw.catalog.Get(params.Name)
	if !ok {
		return errResponse(req.ID, -32001, "Tool not found",
			fmt.Sprintf("Command '%s' is not in the catalog", params.Name))
	}
	if entry.Risk == models.RiskHigh && gw.highRisk == HighRiskDeny {
		return errResponse(req.ID, -32002, "Tool gated",
			fmt.Sprintf("Command '%s' is high risk; submit it through the command API for approval", params.Name))
	}

	res, err := gw.catalog.Resolve(params.Name, params.Arguments, "")
	if err != nil {
		return errResponse(req.ID, -32602, "Invalid params", err.Error())
	}
	cred, err := gw.creds.Resolve(params.Credential, res.RequiresProject)
	if err != nil {
		return errResponse(req.ID, -32602, "Invalid params", err.Error())
	}

	out, err := gw.adapter.Invoke(ctx, res.Tool, res.Args, cred)
	if err != nil {
		// Execution failures are tool results, not protocol errors.
		log.Warn().Err(err).Str("command", params.Name).Msg("MCP tool call failed")
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result: models.MCPToolResult{
				Content: []models.MCPContent{{
					Type: "text",
					Text: fmt.Sprintf("Tool execution error: %s", err.Error()),
				}},
				IsError: true,
			},
			ID: req.ID,
		}
	}

	text, err := json.Marshal(out)
	if err != nil {
		return errResponse(req.ID, -32603, "Internal error", err.Error())
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: models.MCPToolResult{
			Content: []models.MCPContent{{
				Type: "text",
				Text: string(text),
			}},
		},
		ID: req.ID,
	}
}

func errResponse(id interface{}, code int, message, data string) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error: &models.MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

func describeEntry(e catalog.Entry) string {
	if e.Risk == models.RiskHigh {
		return e.Description + " (high risk)"
	}
	return e.Description
}

// buildSchema derives a JSON schema for a catalog entry from its defaults
// and project requirement.
func buildSchema(e catalog.Entry) map[string]interface{} {
	props := map[string]interface{}{}
	for k, v := range e.Defaults {
		props[k] = map[string]interface{}{
			"type":    schemaType(v),
			"default": v,
		}
	}
	props["project_id"] = map[string]interface{}{
		"type":        "string",
		"description": "Project scope for the command",
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if e.RequiresProject {
		schema["required"] = []string{"project_id"}
	}
	return schema
}

func schemaType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case int, int64, float64:
		return "number"
	default:
		return "string"
	}
}
