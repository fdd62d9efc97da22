package schema

import (
	"context"
	"encoding/json"
	"testing"
)

func TestInitializeResultJSON(t *testing.T) {
	res := InitializeResult{
		ProtocolVersion: LatestProtocolVersion,
		ServerInfo:      Implementation{Name: "test-server", Version: "1.2.3"},
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: false},
		},
		Tools: []Tool{{Name: "echo", Description: "echoes its input"}},
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// The handshake fields are snake_case on the wire.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"protocol_version", "server_info", "capabilities", "tools"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing field %q in %s", field, data)
		}
	}

	var back InitializeResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q", back.ServerInfo.Name)
	}
	if len(back.Tools) != 1 || back.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", back.Tools)
	}
}

func TestMustSchemaValidates(t *testing.T) {
	rs := MustSchema(`{
		"type": "object",
		"properties": {"x": {"type": "number"}},
		"required": ["x"]
	}`)

	ctx := context.Background()

	errs, err := rs.ValidateBytes(ctx, []byte(`{"x": 1}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("valid document rejected: %v", errs)
	}

	errs, err = rs.ValidateBytes(ctx, []byte(`{"y": "no"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(errs) == 0 {
		t.Error("invalid document accepted")
	}
}

func TestMustSchemaPanicsOnGarbage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for malformed schema")
		}
	}()
	MustSchema(`{nope`)
}

func TestToolSchemaRoundTrip(t *testing.T) {
	tool := Tool{
		Name:        "add",
		Description: "adds two numbers",
		InputSchema: MustSchema(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}}}`),
	}

	data, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Tool
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.InputSchema == nil {
		t.Fatal("input schema lost in round trip")
	}

	errs, err := back.InputSchema.ValidateBytes(context.Background(), []byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(errs) != 0 {
		t.Errorf("valid args rejected after round trip: %v", errs)
	}
}
