package mcpgw

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opsgate/opsgate/internal/adapter"
	"github.com/opsgate/opsgate/internal/catalog"
	"github.com/opsgate/opsgate/internal/credentials"
	"github.com/opsgate/opsgate/pkg/models"
)

func newTestGateway(t *testing.T, highRisk string) (*Gateway, *adapter.LocalAdapter) {
	t.Helper()
	cat, err := catalog.Load("")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	local := adapter.NewLocalAdapter(time.Second)
	local.Register("ops.status", func(_ context.Context, args map[string]interface{}, cred models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"healthy": true, "scope": string(cred.Scope)}, nil
	})
	local.Register("ops.cleanup", func(_ context.Context, args map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return map[string]interface{}{"pruned": 3}, nil
	})
	return NewGateway(cat, local, credentials.NewResolver("svc-default"), "0.4.0", highRisk), local
}

func rpc(t *testing.T, method string, params interface{}) *models.MCPRequest {
	t.Helper()
	req := &models.MCPRequest{Jsonrpc: "2.0", Method: method, ID: 1}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return req
}

func TestInitialize(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "initialize", nil))
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]string)
	if info["name"] != "opsgate" || info["version"] != "0.4.0" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestToolsListExposesCatalog(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/list", nil))
	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]models.MCPToolInfo)

	byName := map[string]models.MCPToolInfo{}
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	if _, ok := byName["status"]; !ok {
		t.Error("status missing from tools/list")
	}
	cleanup, ok := byName["cleanup"]
	if !ok {
		t.Fatal("cleanup missing from tools/list")
	}
	required, _ := cleanup.InputSchema["required"].([]string)
	if len(required) != 1 || required[0] != "project_id" {
		t.Errorf("cleanup required = %v, want [project_id]", required)
	}
}

func TestToolsListDenyModeHidesHighRisk(t *testing.T) {
	gw, _ := newTestGateway(t, HighRiskDeny)

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/list", nil))
	tools := resp.Result.(map[string]interface{})["tools"].([]models.MCPToolInfo)
	for _, tool := range tools {
		if tool.Name == "cleanup" || tool.Name == "archive" {
			t.Errorf("high-risk command %s listed in deny mode", tool.Name)
		}
	}
}

func TestToolsCall(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/call", models.MCPToolCallParams{
		Name: "status",
	}))
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	result, ok := resp.Result.(models.MCPToolResult)
	if !ok {
		t.Fatalf("result type %T", resp.Result)
	}
	if result.IsError {
		t.Fatalf("IsError set: %+v", result)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %+v", result.Content)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &out); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if out["healthy"] != true {
		t.Errorf("output = %v", out)
	}
}

func TestToolsCallDenyModeRefusesHighRisk(t *testing.T) {
	gw, local := newTestGateway(t, HighRiskDeny)
	calls := 0
	local.Register("ops.cleanup", func(_ context.Context, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		calls++
		return nil, nil
	})

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/call", models.MCPToolCallParams{
		Name:      "cleanup",
		Arguments: map[string]interface{}{"project_id": "p1"},
	}))
	if resp.Error == nil || resp.Error.Code != -32002 {
		t.Fatalf("error = %+v, want code -32002", resp.Error)
	}
	if calls != 0 {
		t.Errorf("adapter invoked %d times in deny mode", calls)
	}
}

func TestToolsCallUnknownCommand(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/call", models.MCPToolCallParams{
		Name: "banana",
	}))
	if resp.Error == nil || resp.Error.Code != -32001 {
		t.Fatalf("error = %+v, want code -32001", resp.Error)
	}
}

func TestToolsCallMissingProject(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/call", models.MCPToolCallParams{
		Name: "cleanup",
	}))
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resp.Error)
	}
}

func TestToolsCallExecutionErrorIsToolResult(t *testing.T) {
	gw, local := newTestGateway(t, "allow")
	local.Register("ops.status", func(_ context.Context, _ map[string]interface{}, _ models.Credential) (map[string]interface{}, error) {
		return nil, errors.New("backend down")
	})

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "tools/call", models.MCPToolCallParams{
		Name: "status",
	}))
	if resp.Error != nil {
		t.Fatalf("execution failure surfaced as protocol error: %+v", resp.Error)
	}
	result := resp.Result.(models.MCPToolResult)
	if !result.IsError {
		t.Fatal("IsError not set for execution failure")
	}
}

func TestUnknownMethod(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "resources/list", nil))
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("error = %+v, want code -32601", resp.Error)
	}
}

func TestNotificationGetsNoResponse(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	if resp := gw.HandleJSONRPC(context.Background(), rpc(t, "notifications/initialized", nil)); resp != nil {
		t.Fatalf("notification got response %+v", resp)
	}
}

func TestPing(t *testing.T) {
	gw, _ := newTestGateway(t, "allow")

	resp := gw.HandleJSONRPC(context.Background(), rpc(t, "ping", nil))
	result, _ := resp.Result.(map[string]string)
	if result["status"] != "pong" {
		t.Errorf("ping result = %v", resp.Result)
	}
}
