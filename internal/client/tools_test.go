package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/butler/internal/protocol"
)

func call(id, name, args string) protocol.ToolCall {
	return protocol.ToolCall{ID: id, Type: "function", Function: protocol.Function{Name: name, Arguments: json.RawMessage(args)}}
}

func TestToolManager_Execute(t *testing.T) {
	m := NewToolManager().
		AddExecute(protocol.FunctionDefinition{Name: "echo"}, func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct{ Text string }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.Text, nil
		}).
		AddExecute(protocol.FunctionDefinition{Name: "broken"}, func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		}).
		AddExecute(protocol.FunctionDefinition{Name: "silent"}, nil).
		AddRender(protocol.FunctionDefinition{Name: "chart"}, "")

	tests := []struct {
		name string
		call protocol.ToolCall
		want ToolResult
	}{
		{"execute", call("1", "echo", `{"text":"hi"}`), ToolResult{Kind: ResultData, Content: "hi"}},
		{"execute error", call("2", "broken", `{}`), ToolResult{Kind: ResultData, Content: "disk on fire"}},
		{"no function", call("3", "silent", `{}`), ToolResult{Kind: ResultData}},
		{"render", call("4", "chart", `{}`), ToolResult{Kind: ResultRender}},
		{"unknown", call("5", "nope", `{}`), ToolResult{Kind: ResultData, Content: "Tool nope not found"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Execute(context.Background(), tt.call); got != tt.want {
				t.Errorf("Execute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestToolManager_RenderWaitsForReport(t *testing.T) {
	m := NewToolManager().AddRender(protocol.FunctionDefinition{Name: "confirm"}, "confirm_result")

	if m.Report("c1", "early") {
		t.Error("Report() = true before the call started")
	}

	done := make(chan ToolResult, 1)
	go func() { done <- m.Execute(context.Background(), call("c1", "confirm", `{}`)) }()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Report("c1", "yes") {
		if time.Now().After(deadline) {
			t.Fatal("call never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case got := <-done:
		if got.Kind != ResultRender || got.Content != "yes" {
			t.Errorf("Execute() = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute() did not return after Report")
	}
}

func TestToolManager_RenderWaitCancelled(t *testing.T) {
	m := NewToolManager().AddRender(protocol.FunctionDefinition{Name: "confirm"}, "confirm_result")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := m.Execute(ctx, call("c1", "confirm", `{}`))
	if got.Kind != ResultRender || got.Content != context.Canceled.Error() {
		t.Errorf("Execute() = %+v", got)
	}
	if m.Report("c1", "late") {
		t.Error("Report() = true after the wait was abandoned")
	}
}

func TestToolManager_Tools(t *testing.T) {
	m := NewToolManager().
		AddExecute(protocol.FunctionDefinition{Name: "b"}, nil).
		AddRender(protocol.FunctionDefinition{Name: "a"}, "").
		AddExecute(protocol.FunctionDefinition{Name: "b", Description: "replaced"}, nil)

	all := m.Tools(nil)
	if len(all) != 2 || all[0].Function.Name != "b" || all[1].Function.Name != "a" {
		t.Fatalf("Tools(nil) = %+v", all)
	}
	if all[0].Type != "function" || all[0].Function.Description != "replaced" {
		t.Errorf("Tools(nil)[0] = %+v", all[0])
	}
	if picked := m.Tools([]string{"a"}); len(picked) != 1 || picked[0].Function.Name != "a" {
		t.Errorf("Tools([a]) = %+v", picked)
	}
	if none := m.Tools([]string{}); len(none) != 0 {
		t.Errorf("Tools([]) = %+v", none)
	}
	if !m.Has("a") || m.Has("c") || !m.IsRender("a") || m.IsRender("b") {
		t.Error("Has/IsRender mismatch")
	}
}
