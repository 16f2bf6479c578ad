package client

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/haasonsaas/butler/internal/protocol"
)

// ResultKind tells a UI whether a tool result is data or something it
// rendered.
type ResultKind string

const (
	ResultData   ResultKind = "result"
	ResultRender ResultKind = "render"
)

// ToolResult is the outcome of a caller-side tool call. A nil Content is
// reported to the gateway as "success".
type ToolResult struct {
	Kind    ResultKind `json:"type"`
	Content any        `json:"content,omitempty"`
}

// ExecuteFunc runs a caller-side tool with its JSON arguments.
type ExecuteFunc func(ctx context.Context, args json.RawMessage) (any, error)

type toolEntry struct {
	def        protocol.FunctionDefinition
	execute    ExecuteFunc
	render     bool
	reportName string
}

// ToolManager holds the tools the caller offers to tasks. Execute tools run
// locally; render tools are shown to a user and, when registered with a
// report name, wait for Report before their result is known.
type ToolManager struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]toolEntry

	waitMu  sync.Mutex
	waiting map[string]chan any
}

// NewToolManager returns an empty manager.
func NewToolManager() *ToolManager {
	return &ToolManager{
		entries: make(map[string]toolEntry),
		waiting: make(map[string]chan any),
	}
}

// AddExecute registers a tool that runs fn. Re-adding a name replaces it.
func (m *ToolManager) AddExecute(def protocol.FunctionDefinition, fn ExecuteFunc) *ToolManager {
	m.add(toolEntry{def: def, execute: fn})
	return m
}

// AddRender registers a tool rendered by the caller. With a non-empty
// reportName, calls wait for Report.
func (m *ToolManager) AddRender(def protocol.FunctionDefinition, reportName string) *ToolManager {
	m.add(toolEntry{def: def, render: true, reportName: reportName})
	return m
}

func (m *ToolManager) add(e toolEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.def.Name]; !ok {
		m.order = append(m.order, e.def.Name)
	}
	m.entries[e.def.Name] = e
}

// Tools returns the declarations sent with a task, in registration order.
// A nil pick returns every tool.
func (m *ToolManager) Tools(pick []string) []protocol.FunctionTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.FunctionTool, 0, len(m.order))
	for _, name := range m.order {
		if pick != nil && !slices.Contains(pick, name) {
			continue
		}
		out = append(out, protocol.FunctionTool{Type: "function", Function: m.entries[name].def})
	}
	return out
}

// Has reports whether name is registered.
func (m *ToolManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[name]
	return ok
}

// IsRender reports whether name is a render tool.
func (m *ToolManager) IsRender(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[name].render
}

// Execute runs call. Unknown tools produce a not-found result rather than
// an error. Render tools with a report name block until Report is called
// for the call id or ctx ends.
func (m *ToolManager) Execute(ctx context.Context, call protocol.ToolCall) ToolResult {
	m.mu.RLock()
	entry, ok := m.entries[call.Function.Name]
	m.mu.RUnlock()
	if !ok {
		return ToolResult{Kind: ResultData, Content: fmt.Sprintf("Tool %s not found", call.Function.Name)}
	}

	if !entry.render {
		if entry.execute == nil {
			return ToolResult{Kind: ResultData}
		}
		content, err := entry.execute(ctx, call.Function.Arguments)
		if err != nil {
			content = err.Error()
		}
		return ToolResult{Kind: ResultData, Content: content}
	}

	if entry.reportName == "" {
		return ToolResult{Kind: ResultRender}
	}

	ch := make(chan any, 1)
	m.waitMu.Lock()
	m.waiting[call.ID] = ch
	m.waitMu.Unlock()

	select {
	case content := <-ch:
		return ToolResult{Kind: ResultRender, Content: content}
	case <-ctx.Done():
		m.waitMu.Lock()
		delete(m.waiting, call.ID)
		m.waitMu.Unlock()
		return ToolResult{Kind: ResultRender, Content: ctx.Err().Error()}
	}
}

// Report completes a render call waiting in Execute. It returns false when
// nothing waits on callID.
func (m *ToolManager) Report(callID string, content any) bool {
	m.waitMu.Lock()
	ch, ok := m.waiting[callID]
	if ok {
		delete(m.waiting, callID)
	}
	m.waitMu.Unlock()
	if !ok {
		return false
	}
	ch <- content
	return true
}
