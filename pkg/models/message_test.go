package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleSystem, true},
		{RoleTool, true},
		{RoleDeveloper, true},
		{Role("function"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestToolCall_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		call ToolCall
		want string
	}{
		{
			name: "function call",
			call: ToolCall{ID: "call_1", Kind: ToolCallFunction, Name: "get_weather", Arguments: `{"location":"Beijing"}`},
			want: `{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"location\":\"Beijing\"}"}}`,
		},
		{
			name: "empty kind defaults to function",
			call: ToolCall{ID: "call_2", Name: "ping"},
			want: `{"id":"call_2","type":"function","function":{"name":"ping","arguments":""}}`,
		},
		{
			name: "custom error call",
			call: ToolCall{ID: "call_3", Kind: ToolCallCustom, Name: ErrorToolName, Input: "{bad"},
			want: `{"id":"call_3","type":"custom","custom":{"name":"error_tool","input":"{bad"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.call)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestToolCall_UnmarshalObjectArguments(t *testing.T) {
	var call ToolCall
	raw := `{"id":"c1","type":"function","function":{"name":"query_db","arguments":{"query": "SELECT 1"}}}`
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if call.Kind != ToolCallFunction {
		t.Errorf("Kind = %q, want function", call.Kind)
	}
	if call.Arguments != `{"query":"SELECT 1"}` {
		t.Errorf("Arguments = %q, want compacted object string", call.Arguments)
	}
}

func TestToolCall_UnmarshalMissingPayload(t *testing.T) {
	var call ToolCall
	err := json.Unmarshal([]byte(`{"id":"c1","type":"function"}`), &call)
	if err == nil || !strings.Contains(err.Error(), "missing function") {
		t.Fatalf("expected missing payload error, got %v", err)
	}
}

func TestMessage_UnmarshalHistory(t *testing.T) {
	raw := `[
		{"role":"user","content":"weather?"},
		{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"get_weather","arguments":"{}"}}]},
		{"role":"tool","tool_call_id":"c1","content":"sunny"}
	]`
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Content != "" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[2].ToolCallID != "c1" {
		t.Errorf("ToolCallID = %q, want c1", msgs[2].ToolCallID)
	}
}

func TestMessage_UnmarshalUnknownRole(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"robot","content":"x"}`), &msg); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestMessage_CloneIsolatesToolCalls(t *testing.T) {
	orig := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "x"}}}
	clone := orig.Clone()
	clone.ToolCalls[0].Name = "changed"
	if orig.ToolCalls[0].Name != "x" {
		t.Errorf("original mutated through clone: %q", orig.ToolCalls[0].Name)
	}
}

func TestArgumentsString(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"empty", "", "", false},
		{"null", "null", "", false},
		{"string", `"{\"a\":1}"`, `{"a":1}`, false},
		{"object", `{ "a" : 1 }`, `{"a":1}`, false},
		{"array", `[1, 2]`, `[1,2]`, false},
		{"invalid", `{`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ArgumentsString(json.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ArgumentsString() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ArgumentsString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskEvent_CloneCopiesToolCall(t *testing.T) {
	ev := TaskEvent{Type: TaskEventStartCall, ToolCall: &ToolCall{ID: "a"}}
	clone := ev.Clone()
	clone.ToolCall.ID = "b"
	if ev.ToolCall.ID != "a" {
		t.Errorf("original tool call mutated: %q", ev.ToolCall.ID)
	}
	if !TaskEventFinish.Terminal() || !TaskEventError.Terminal() || TaskEventContent.Terminal() {
		t.Error("Terminal() classification wrong")
	}
}
